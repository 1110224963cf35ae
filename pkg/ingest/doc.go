/*
Package ingest is the server's front door: the C6 Ingestion Endpoint and
C7 Server Rate Limiter, exposed over both the HTTP channel
(julienschmidt/httprouter) and the stream channel (gorilla/websocket).

Endpoint.Authenticate is the only function in the server that turns a
credential into a tenantID; every other method receives tenantID as an
explicit argument already resolved by a caller, per the C9 tenant
isolation discipline implemented in pkg/tenant.

A single normalize-validate-store-attribute pipeline (Ingest/IngestBatch)
backs both transports, so the two wire protocols in http.go and
stream.go are thin framing layers over identical business logic.
*/
package ingest
