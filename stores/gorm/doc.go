//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based identity.UserStore.
// It is written against PostgreSQL (gorm.io/driver/postgres over pgx) and
// relies on unique indexes for username, email, google_id and github_id.
// Absent provider ids are stored as NULL so they never collide.
//
// # Database Schema
//
// AutoMigrate creates a single users table with one unique index per
// lookup field.
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	_ = gormstore.AutoMigrate(db)
//	userStore := gormstore.NewUserStore(db)
package gorm
