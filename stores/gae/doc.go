//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of
// identity.UserStore. It supports multi-tenancy through Datastore namespaces.
//
// # Datastore Kinds
//
//   - User: the user record, keyed by user id
//   - UserIndex: one entity per unique field value, keyed "field:value",
//     holding the owning user id
//
// Lookups go through UserIndex keys, so they are strongly consistent.
// Create and Save run in a transaction that reads the index entities it
// needs, which is what makes uniqueness hold under concurrent writers.
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	userStore := gae.NewUserStore(client, "")  // default namespace
package gae
