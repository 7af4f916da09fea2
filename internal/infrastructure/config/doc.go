// Package config provides 12-factor configuration management for the chat relay.
//
// Configuration is loaded from environment variables with sensible defaults,
// so the binary runs out of the box against a local Redis and Ollama.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Redis: History store connection URL
//   - Generation: Backend URL, model name, per-request timeout
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, REDIS_URL
//   - OLLAMA_URL, MODEL_NAME, GENERATION_TIMEOUT
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
