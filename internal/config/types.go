package config

// Config is the on-disk configuration. Every section may be omitted.
//
// Durations are Go duration strings ("400ms", "2s"); sizes are byte counts
// or humanized strings ("100kB", "25MB").
type Config struct {
	Logging    LoggingConfig      `json:"logging"`
	Server     ServerConfig       `json:"server"`
	Test       TestSection        `json:"test"`
	PacketLoss *PacketLossSection `json:"packet_loss,omitempty"`
	Output     OutputConfig       `json:"output"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig selects the measurement edge and tunes the HTTP client.
type ServerConfig struct {
	BaseURL           string `json:"base_url,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DialTimeout       string `json:"dial_timeout,omitempty"`
	MaxConnections    int    `json:"max_connections,omitempty"`
	DisableHTTP2      bool   `json:"disable_http2,omitempty"`
	DisableKeepAlives bool   `json:"disable_keep_alives,omitempty"`

	// MetadataFallback asks speedtest.net for IP and ISP when the edge's own
	// metadata endpoints fail. Defaults to true.
	MetadataFallback *bool `json:"metadata_fallback,omitempty"`
}

// TestSection mirrors speedtest.TestConfig. Zero values keep the defaults.
type TestSection struct {
	Estimate      string       `json:"estimate,omitempty"`
	DownloadTiers []TierConfig `json:"download_tiers,omitempty"`
	UploadTiers   []TierConfig `json:"upload_tiers,omitempty"`

	LatencyPackets int `json:"latency_packets,omitempty"`

	LoadedLatencyThrottle    string `json:"loaded_latency_throttle,omitempty"`
	LoadedLatencyWindow      int    `json:"loaded_latency_window,omitempty"`
	LoadedRequestMinDuration string `json:"loaded_request_min_duration,omitempty"`

	BandwidthFinishDuration string  `json:"bandwidth_finish_duration,omitempty"`
	BandwidthMinDuration    string  `json:"bandwidth_min_duration,omitempty"`
	BandwidthPercentile     float64 `json:"bandwidth_percentile,omitempty"`

	// TierOrder is "interleaved" (default) or "sequential".
	TierOrder       string `json:"tier_order,omitempty"`
	TierConcurrency int    `json:"tier_concurrency,omitempty"`
	ProbeTimeout    string `json:"probe_timeout,omitempty"`
	CancelGrace     string `json:"cancel_grace,omitempty"`

	Retry RetrySection `json:"retry"`
}

// TierConfig is one bandwidth tier: Count transfers of Size bytes.
type TierConfig struct {
	Size  string `json:"size"`
	Count int    `json:"count"`
}

// RetrySection configures per-probe retries. max_retries -1 disables them.
type RetrySection struct {
	MaxRetries int     `json:"max_retries,omitempty"`
	Base       string  `json:"base,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
}

// PacketLossSection configures the TURN relay probe. The credential is
// never logged.
type PacketLossSection struct {
	Enabled         bool   `json:"enabled"`
	TURNServerURI   string `json:"turn_server_uri"`
	Username        string `json:"username,omitempty"`
	Credential      string `json:"credential,omitempty"`
	Realm           string `json:"realm,omitempty"`
	NumPackets      int    `json:"num_packets,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	BatchWait       string `json:"batch_wait,omitempty"`
	WaitWindow      string `json:"wait_window,omitempty"`
	AllocateTimeout string `json:"allocate_timeout,omitempty"`
}

type OutputConfig struct {
	// JSON prints the results as indented JSON instead of the text summary.
	JSON bool `json:"json,omitempty"`
	// Quiet suppresses progress lines.
	Quiet bool `json:"quiet,omitempty"`
}
