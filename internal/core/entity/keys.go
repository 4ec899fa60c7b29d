package entity

// recordPrefix namespaces entity projections. Entity ids are uuids, so one
// global keyspace per type is collision-free; tenant scoping is enforced on
// read.
const recordPrefix = "e|"

func recordKey(entityType, id string) []byte {
	return []byte(recordPrefix + entityType + "|" + id)
}

func typePrefix(entityType string) []byte {
	return []byte(recordPrefix + entityType + "|")
}
