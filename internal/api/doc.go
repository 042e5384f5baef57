// Package api hosts the proxy service: an HTTP front for a Broker that remote
// clients use as their proxy tier. Notable routes:
//   - POST /v1/messages/{op} for send, receive, acknowledge, reject, recover,
//     available, clear and peek. Every reply is a proxy.Response; failures
//     carry success=false and a comment.
//   - GET /v1/messages/queues lists the configured service shards.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
