package config

// Config is the top-level YAML structure describing one pipeline:
// which entity views exist, how each is maintained, and which
// aggregation outputs are derived from them.
type Config struct {
	Version              string       `yaml:"version"`
	Log                  LogConf      `yaml:"log"`
	Storage              StorageConf  `yaml:"storage"`
	Engine               EngineConf   `yaml:"engine"`
	Sink                 SinkConf     `yaml:"sink"`
	Coordinator          CoordConf    `yaml:"coordinator"`
	FiscalYearStartMonth int          `yaml:"fiscal_year_start_month"` // 1-12; 4 = April
	Views                []ViewConf   `yaml:"views"`
	Outputs              []OutputConf `yaml:"outputs"`
}

// LogConf selects log verbosity and encoding.
type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// StorageConf selects the database backing the event log and output tables.
type StorageConf struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// EngineConf holds tunable ingest concurrency settings.
type EngineConf struct {
	IngestWorkers   int `yaml:"ingest_workers"`
	QueueDepth      int `yaml:"queue_depth"`
	IngestTimeoutMs int `yaml:"ingest_timeout_ms"`
}

// SinkConf configures optional publication of output snapshots to a KV
// cache for dashboard reads.
type SinkConf struct {
	Enabled       bool   `yaml:"enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

// CoordConf configures the periodic refresh cycle.
type CoordConf struct {
	Mode            string `yaml:"mode"` // sequential | dependency-parallel
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// ViewConf declares one entity view and its maintenance strategy.
type ViewConf struct {
	Name       string `yaml:"name"`
	EntityType string `yaml:"entity_type"`
	Strategy   string `yaml:"strategy"` // full | streaming
}

// OutputConf declares one aggregation output.
type OutputConf struct {
	Name    string       `yaml:"name"`
	Source  string       `yaml:"source"` // view name
	Join    *JoinConf    `yaml:"join,omitempty"`
	Filter  string       `yaml:"filter,omitempty"` // row predicate, empty = all rows
	GroupBy []string     `yaml:"group_by"`
	Metrics []MetricConf `yaml:"metrics"`
	Having  string       `yaml:"having,omitempty"` // post-aggregation predicate over metric values
	// FiscalYearFrom names an epoch-millis field; when set, each row gains
	// a synthetic "fiscal_year" column derived from it.
	FiscalYearFrom string `yaml:"fiscal_year_from,omitempty"`
}

// JoinConf joins source rows to a second view (inner join).
type JoinConf struct {
	View    string `yaml:"view"`
	Local   string `yaml:"local"`   // field path on the source row
	Foreign string `yaml:"foreign"` // field path on the joined view's rows; default key.id
}

// MetricConf declares one metric column.
type MetricConf struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`              // count | sum | unique_count | derived
	Field   string `yaml:"field,omitempty"`   // for sum / unique_count
	Formula string `yaml:"formula,omitempty"` // for derived, over earlier metric names
}
