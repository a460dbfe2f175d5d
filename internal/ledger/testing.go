package ledger

// SeedBalance is a test helper that overwrites the balance of a wallet when
// using the in-memory store. No ledger entry is written.
func SeedBalance(s Store, walletID, amount int64) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if w, exists := mem.wallets[walletID]; exists {
			w.Balance = amount
			mem.wallets[walletID] = w
		}
	}
}
