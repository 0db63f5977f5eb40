// Package config loads relay configuration.
//
// Configuration comes from, in increasing precedence: built-in defaults, a
// pianoroll.yaml or pianoroll.json file, a .env file, the process
// environment and finally command-line flags (applied by the caller).
//
// # Configuration File Structure
//
//	port: 8080
//	log:
//	  level: info
//	  format: json
//	allowedOrigins: ["https://editor.example.com"]
//	session:
//	  flushInterval: 60s
//	  reapInterval: 30s
//	store:
//	  type: redis
//	  redis:
//	    url: redis://localhost:6379/0
//
// # Usage
//
//	_ = config.LoadDotEnv()
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ApplyEnv(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
