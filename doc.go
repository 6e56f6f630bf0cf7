// Package identity reconciles three ways of signing in (a local username and
// password, Google, and GitHub) onto one user record per person.
//
// # Architecture
//
// User: the canonical record. It carries optional local credentials, at most
// one linked id per provider, and authProvider, the most recent channel used.
//
// Resolver: registers local users, authenticates them, and resolves provider
// sign-ins through the Linker.
//
// Linker: the upsert behind every provider sign-in. A provider id that is
// already linked wins; otherwise a user with the same email is linked;
// otherwise a new user is created. Concurrent first sign-ins converge on one
// record through the store's unique constraints.
//
// Codec: turns a user into the opaque value kept in the session and back,
// accepting values written by older deployments (username, provider id or
// email) as well as user ids.
//
// Mutator: changes username, password and profile picture for a signed-in
// user after re-checking the current password.
//
// # Basic Usage
//
// Pick a store and wire the pieces:
//
//	import (
//	    id "github.com/campusconnect/identity"
//	    "github.com/campusconnect/identity/stores/sqlite"
//	)
//
//	store, err := sqlite.Open("/var/lib/identity/identity.db")
//	resolver := id.NewResolver(store, id.NewBcryptHasher(10))
//	codec := &id.Codec{Store: store}
//	sessions := &id.Sessions{Manager: scs.New(), Codec: codec}
//	auth := &id.Auth{Sessions: sessions, Resolver: resolver}
//
// Mount provider flows from the oauth2 package; they hand their assertion to
// Auth.HandleAssertion:
//
//	google := oauth2.NewGoogleOAuth2(clientID, secret, callback, auth.HandleAssertion)
//	auth.AddAuth("/google", google.Handler())
//	mux.Handle("/auth/", http.StripPrefix("/auth", auth.Handler()))
//
// # Stores
//
// stores/fs keeps JSON files and enforces uniqueness with exclusively created
// index files. stores/sqlite and stores/gorm rely on unique indexes.
// stores/gae keeps index entities inside Datastore transactions. All of them
// report duplicates as a conflict Error naming the field.
//
// # Errors
//
// Every failure is an *Error with a Kind and a stable Code. Match kinds with
// errors.Is against ErrValidation, ErrAuth, ErrConflict, ErrNotFound,
// ErrUpstream or ErrPersistence, and map them to HTTP with HTTPStatus.
package identity
