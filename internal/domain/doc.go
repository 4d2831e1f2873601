// Package domain defines the core entities of the bulk-email scheduling
// system: campaigns, per-recipient jobs, and their lifecycle states.
//
// Types here are persistence- and transport-agnostic. The store package
// maps them to PostgreSQL rows; the api package maps them to JSON.
package domain
