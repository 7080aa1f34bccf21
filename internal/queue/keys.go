package queue

// Keys of one queue share a {name} hash tag so the server-side scripts that
// touch several of them stay on a single cluster slot.
const keyPrefix = "courier:"

func queuesKey() string { return keyPrefix + "queues" }

func readyKey(q string) string   { return keyPrefix + "q:{" + q + "}:ready" }
func delayedKey(q string) string { return keyPrefix + "q:{" + q + "}:delayed" }
func leasesKey(q string) string  { return keyPrefix + "q:{" + q + "}:leases" }
func msgsKey(q string) string    { return keyPrefix + "q:{" + q + "}:msgs" }
func metricsKey(q string) string { return keyPrefix + "q:{" + q + "}:metrics" }

func dedupKey(q, key string) string { return keyPrefix + "q:{" + q + "}:dedup:" + key }

func deadLetterKey(dlq string) string { return keyPrefix + "dlq:{" + dlq + "}" }
func evictedKey(dlq string) string    { return keyPrefix + "dlq:{" + dlq + "}:evicted" }
