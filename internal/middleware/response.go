package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
)

const replayedHeader = "Idempotent-Replayed"

type pageMeta struct {
	Page     int `json:"page"`
	PerPage  int `json:"per_page"`
	Total    int `json:"total"`
	LastPage int `json:"last_page"`
}

// Success writes the success envelope.
func Success(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{"status": "success", "data": data})
}

// List writes the success envelope with paging metadata.
func List(c *fiber.Ctx, data any, p ledger.Page) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status": "success",
		"data":   data,
		"meta": pageMeta{
			Page:     p.Page,
			PerPage:  p.PerPage,
			Total:    p.Total,
			LastPage: p.LastPage(),
		},
	})
}

// Movement writes the receipt of a deposit, withdrawal or transfer. A fresh
// execution answers 201; a replay answers 200 with the stored receipt bytes.
func Movement(c *fiber.Ctx, raw json.RawMessage, replayed bool) error {
	if !replayed {
		return c.Status(http.StatusCreated).JSON(fiber.Map{"status": "success", "data": raw})
	}
	c.Set(replayedHeader, "true")
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "success", "data": raw, "idempotent": true})
}
