package config

import (
	"os"
	"time"
)

type Config struct {
	Port   string
	DBPath string

	// Trusted credential shared by the worker and the structuring service.
	ServiceToken string

	// Queue / worker.
	QueuePartitions int
	ConsumerGroup   string

	// Transcript extraction.
	YtdlpPath          string
	ExtractTimeout     time.Duration
	WorkDir            string
	MinTranscriptChars int
	MaxSegments        int

	// Structuring service.
	StructurerURL     string
	StructurerTimeout time.Duration

	// Worker-side job API client.
	JobAPIURL     string
	JobAPITimeout time.Duration

	// Reconciliation sweep for jobs stuck in RUNNING (or QUEUED rows whose
	// delivery never produced a transition).
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

func Load() Config {
	return Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "importer.db"),
		ServiceToken:       getEnv("SERVICE_TOKEN", ""),
		QueuePartitions:    getEnvInt("QUEUE_PARTITIONS", 4),
		ConsumerGroup:      getEnv("CONSUMER_GROUP", "import-workers"),
		YtdlpPath:          getEnv("YTDLP_PATH", "yt-dlp"),
		ExtractTimeout:     getEnvDuration("EXTRACT_TIMEOUT", 120*time.Second),
		WorkDir:            getEnv("WORK_DIR", os.TempDir()),
		MinTranscriptChars: getEnvInt("MIN_TRANSCRIPT_CHARS", 80),
		MaxSegments:        getEnvInt("MAX_SEGMENTS", 5000),
		StructurerURL:      getEnv("STRUCTURER_URL", "http://localhost:8004"),
		StructurerTimeout:  getEnvDuration("STRUCTURER_TIMEOUT", 60*time.Second),
		JobAPIURL:          getEnv("JOB_API_URL", "http://localhost:8080"),
		JobAPITimeout:      getEnvDuration("JOB_API_TIMEOUT", 10*time.Second),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		StaleAfter:         getEnvDuration("STALE_AFTER", 15*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
