// Package store is a Redis-backed record store that plays the backend role
// for the object proxy.
//
// # Overview
//
// Records are schema-typed field maps identified by (schema, uuid). The store
// keeps them in Redis hashes, maintains a creation-ordered index per schema,
// and announces every write on a Pub/Sub channel so that connected proxies
// can keep their caches current.
//
// # Schemas
//
// A schema must be registered before records of that schema can be written.
// A schema may declare hidden fields: they are stored but stripped from every
// read, list and event.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name, so
// several independent stores can share one Redis server.
//
// # Redis Schema
//
// Records: objproxy:{instance}:record:{schema}:{uuid}
// Schema index: objproxy:{instance}:index:{schema}
// Schema set: objproxy:{instance}:schemas
// Schema definitions: objproxy:{instance}:schema:{schema}
//
// Record events: objproxy:{instance}:record_events
//
// Each record hash carries uuid, schema, created_at_ms and one "f:<field>"
// entry per field holding the JSON-encoded value.
//
// # Usage Example
//
//	client, err := store.NewClient(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.RegisterSchema(ctx, &store.Schema{Name: "wikipage"}); err != nil {
//		log.Fatal(err)
//	}
//
//	page, err := client.CreateRecord(ctx, "wikipage", map[string]any{"name": "Index"})
package store
