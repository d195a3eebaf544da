// Package stevedore is a single-host container deployment controller.
//
// # Overview
//
// Stevedore turns declarative multi-service YAML descriptions into running
// Docker containers. A deployment groups services; every change to a
// service's definition becomes a new immutable version, and the daemon
// keeps exactly the latest version running.
//
// The system consists of three main components:
//   - Daemon (stevedored): REST API, deployment engine and plugin pipeline
//   - CLI (stevedore): service-file driven client with streamed progress
//   - Store: embedded bbolt database holding the deployment object graph
//
// # Architecture
//
//	┌─────────────────┐
//	│  stevedore CLI  │
//	│ (service files) │
//	└────────┬────────┘
//	         │ HTTP, NDJSON progress
//	┌────────▼────────┐       ┌─────────────────┐
//	│  API Server     │──────►│  Controller     │
//	│  (Echo REST)    │       │  (plugins)      │
//	└─────────────────┘       └────┬───────┬────┘
//	                               │       │
//	                      ┌────────▼──┐ ┌──▼──────────┐
//	                      │  Store    │ │  Backend    │
//	                      │  (bbolt)  │ │  (Docker)   │
//	                      └───────────┘ └─────────────┘
//
// # Core Features
//
// Declarative deployments:
//   - Canonicalized service definitions; unchanged services are skipped
//   - Append-only version history with hold/resume for dependencies
//   - Template variables, port assignment and per-service volumes
//
// Plugin pipeline:
//   - require ordering, generated secrets, one-shot exec resources
//   - sdutil service discovery wrapping
//   - 12-factor app builds via slugbuilder/slugrunner
//
// # Quick Start
//
// Run the daemon:
//
//	stevedored serve
//
// Deploy a service file:
//
//	stevedore deploy --create myapp deploy.yml
package stevedore
