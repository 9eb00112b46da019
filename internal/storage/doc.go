package storage

// Package storage persists the monitoring pipeline state:
//   - Monitored entities (wallets/accounts) with their poll cursors
//   - Classified events, unique by source item id (the durable dedup layer)
//   - The notification log (rate-limit counts, dedup keys, retry state)
