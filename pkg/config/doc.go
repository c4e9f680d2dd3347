// Package config loads the worker configuration with koanf.
//
// Layers, later ones winning: built-in defaults, the YAML file named by
// CONFIG_PATH, then environment variables such as RABBIT_HOST,
// WORKER_MAX_CONCURRENCY or LOGGER_LEVEL. SERVICE_NAME sets the service name
// of logging, metrics and tracing at once. The result is validated with the
// struct tags of each section.
//
//	rabbit:
//	  connection:
//	    host: rabbit.internal
//	    port: 5672
//	    user: scraper
//	worker:
//	  max_concurrency: 8
//	  work_timeout: 20s
package config
