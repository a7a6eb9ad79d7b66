package main

import (
	"os"
	"strings"
)

const SERVICENAME = "remexec-submitter"

const (
	defaultAddr    = ":8083"
	defaultPath    = "/jobs"
	defaultTopic   = "remexec-jobs"
	defaultBrokers = "localhost:9092"
)

type SubmitterConfig struct {
	Addr     string
	HTTPPath string
	Brokers  []string
	Topic    string
}

// NewSubmitterConfig reads REMEXEC_SUBMITTER_ADDR, REMEXEC_SUBMITTER_PATH,
// REMEXEC_KAFKA_BROKERS (comma separated) and REMEXEC_KAFKA_TOPIC.
func NewSubmitterConfig(getenv func(string) string) SubmitterConfig {
	if getenv == nil {
		getenv = os.Getenv
	}
	or := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
	var brokers []string
	for _, b := range strings.Split(or("REMEXEC_KAFKA_BROKERS", defaultBrokers), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return SubmitterConfig{
		Addr:     or("REMEXEC_SUBMITTER_ADDR", defaultAddr),
		HTTPPath: or("REMEXEC_SUBMITTER_PATH", defaultPath),
		Brokers:  brokers,
		Topic:    or("REMEXEC_KAFKA_TOPIC", defaultTopic),
	}
}
