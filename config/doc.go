// Package config loads wsfeed configuration from TOML files and the environment.
//
// Values are layered with last-wins semantics: built-in defaults, then each file
// added to the Loader, then WSFEED_ environment variables. Durations are Go duration
// strings ("30s", "2m").
//
// # File Layout
//
//	[connection]
//	url = "wss://feed.example.com/stream"
//	credential = "feed"
//	init_payload = '{"op":"subscribe","channel":"prices"}'
//	heartbeat_payload = "ping"
//	heartbeat_interval = "30s"
//	max_attempts = 5
//	decode_mode = "structured"   # text | structured | binary
//	mode = "automatic"           # automatic | manual
//	duplex = false
//	write_timeout = "10s"        # bounds each outbound send
//
//	[connection.backoff]
//	initial_delay = "500ms"
//	max_delay = "30s"
//
//	[connection.tls]
//	ca_files = ["/etc/wsfeed/feed-ca.pem"]
//	cert_file = "/etc/wsfeed/client.pem"   # optional mTLS
//	key_file = "/etc/wsfeed/client-key.pem"
//	min_version = "1.3"
//
//	[[connection.headers]]
//	name = "X-Client"
//	value = "wsfeed"
//
//	[credentials.feed]
//	endpoint = "https://feed.example.com/login"
//	encoding = "form"
//	body = { username = "svc", password = "secret" }
//
//	[nats]
//	enabled = true
//	url = "nats://localhost:4222"
//	subject_prefix = "wsfeed.events"
//	relay_workers = 16    # concurrent duplex reply waits
//	relay_queue = 256
//	ping_interval = "30s"
//	drain_timeout = "10s"   # bounds the drain on shutdown
//
//	[metrics]
//	port = 9090
//
//	[log]
//	level = "info"
//	format = "json"
//
// A credential profile with an endpoint logs in and forwards the returned session
// cookie. A profile with only headers sends those headers on every handshake.
// Login requests use the profile's [credentials.<name>.tls] section, or
// [connection.tls] when the profile has none. [nats.tls] secures the NATS connection.
//
// # Environment Variable Overrides
//
// The prefix is dropped, the rest is lowercased, "_" separates sections and "__"
// stands for a literal underscore:
//
//	export WSFEED_CONNECTION_URL="wss://staging.example.com/stream"
//	export WSFEED_CONNECTION_MAX__ATTEMPTS=10
//	export WSFEED_CREDENTIALS_FEED_ENDPOINT="https://staging.example.com/login"
//
// Variables with oversized values or null bytes are ignored and reported by
// Loader.Skipped.
//
// # Security
//
//   - Only .toml files are accepted, and relative paths may not climb out of the
//     working directory
//   - Files must be regular files no larger than 1MB
package config
