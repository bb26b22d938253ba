package cbor

// adminKeys compacts the field names used by the engine's administrative
// payloads (registration records, notification attributes, demo resource
// dumps) down to small integers, the same technique LwM2M's own object
// model applies to resource identifiers.
var adminKeys = map[string]int{
	"endpointName": 1,
	"lifetime":     2,
	"objectLinks":  3,
	"location":     4,
	"objectId":     5,
	"instanceId":   6,
	"resourceId":   7,
	"value":        8,
	"contentFormat": 9,
	"pmin":         10,
	"pmax":         11,
	"gt":           12,
	"lt":           13,
	"step":         14,
	"observe":      15,
}

// NewLwM2MTranscoder returns a Transcoder preloaded with adminKeys. canonical
// requests deterministic CBOR output, useful when the result will be hashed
// for an ETag.
func NewLwM2MTranscoder(canonical bool) (*Transcoder, error) {
	return New(adminKeys, canonical)
}
