// Package sqlite provides an identity.UserStore over a single SQLite file
// using the pure-Go modernc.org/sqlite driver.
//
// The schema is embedded and applied on Open. Username and email carry
// unique indexes; google_id and github_id carry partial unique indexes that
// skip NULL, which is how an absent provider id is stored.
//
// # Usage
//
//	store, err := sqlite.Open("/var/lib/identity/users.db")
//	if err != nil { ... }
//	defer store.Close()
package sqlite
