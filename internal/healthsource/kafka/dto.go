package kafka

// StatusDto is a row of the target_statuses table.
type StatusDto struct {
	TargetGroup string `json:"target_group"`
	RealIP      string `json:"real_ip"`
	Port        int    `json:"port"`
	Status      bool   `json:"status"`
}

// Value is a change event as produced by the debezium postgres connector.
type Value[T any] struct {
	Before *T     `json:"before"`
	After  *T     `json:"after"`
	Op     string `json:"op"`
	TsMs   int64  `json:"ts_ms"`
}

const (
	opCreate = "c"
	opRead   = "r"
	opUpdate = "u"
	opDelete = "d"
)
