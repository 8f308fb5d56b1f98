// Package rest provides the client-facing HTTP API of a taskflux node.
//
// Every request is translated into a taskqueue command and submitted to the
// consensus node. Writes are only accepted by the leader; other nodes answer
// 421 Misdirected Request together with the last known leader ID.
//
// # Endpoints
//
//	GET    /api/v1/health                 - Liveness check
//	GET    /api/v1/cluster                - Consensus status of this node
//	GET    /api/v1/queues                 - List queues
//	POST   /api/v1/queues                 - Create a queue
//	DELETE /api/v1/queues/{name}          - Delete a queue
//	GET    /api/v1/queues/{name}/count    - Number of items in a queue
//	POST   /api/v1/queues/{name}/enqueue  - Add an item
//	POST   /api/v1/queues/{name}/dequeue  - Remove the highest priority item
//
// # Example Usage
//
//	curl -X POST http://localhost:8080/api/v1/queues \
//	  -H "Content-Type: application/json" \
//	  -d '{"name": "jobs", "maxSize": 1000}'
//
//	curl -X POST http://localhost:8080/api/v1/queues/jobs/enqueue \
//	  -d '{"priority": 5, "payload": "aGVsbG8="}'
package rest
