package storage

// Package storage persists coursebot's tracking state:
//
//   - the registry of (channel, course) tracking pairs
//   - the per-course module snapshot (last fully fetched key set)
//   - optional notifier dedup state (to survive restarts)
//
// Two drivers are available: "sqlite" (default for real deployments) and
// "file" (dependency-free snapshot + journal, handy for tests and tiny
// installs). Mutations are durable before the call returns.
