package store

import "fmt"

// Redis key pattern helpers
//
// Key pattern: objproxy:{instance_name}:{entity}:...
// Channel pattern: objproxy:{instance_name}:{event_type}_events

// RecordKey returns the Redis key for a record hash.
// Pattern: objproxy:{instance_name}:record:{schema}:{uuid}
func RecordKey(instanceName, schema, uuid string) string {
	return fmt.Sprintf("objproxy:%s:record:%s:%s", instanceName, schema, uuid)
}

// IndexKey returns the Redis key for a schema's record index ZSET.
// Members are record UUIDs scored by creation time in milliseconds.
// Pattern: objproxy:{instance_name}:index:{schema}
func IndexKey(instanceName, schema string) string {
	return fmt.Sprintf("objproxy:%s:index:%s", instanceName, schema)
}

// SchemasKey returns the Redis key for the set of registered schema names.
// Pattern: objproxy:{instance_name}:schemas
func SchemasKey(instanceName string) string {
	return fmt.Sprintf("objproxy:%s:schemas", instanceName)
}

// SchemaKey returns the Redis key for a schema definition hash.
// Pattern: objproxy:{instance_name}:schema:{schema}
func SchemaKey(instanceName, schema string) string {
	return fmt.Sprintf("objproxy:%s:schema:%s", instanceName, schema)
}

// RecordEventsChannel returns the Pub/Sub channel name for record events.
// Pattern: objproxy:{instance_name}:record_events
func RecordEventsChannel(instanceName string) string {
	return fmt.Sprintf("objproxy:%s:record_events", instanceName)
}
