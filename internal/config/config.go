package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	Timezone              string
	CloseHour             int
	CloseMinute           int
	StatsTTLSeconds       int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ReportDatabases       map[string]string
	ReportHeadquarters    map[string][]int64
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	statsTTL, err := strconv.Atoi(getEnv("STATS_TTL_SECONDS", "30"))
	if err != nil || statsTTL < 1 {
		statsTTL = 30
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	closeHour, err := strconv.Atoi(getEnv("CLOSE_HOUR", "22"))
	if err != nil || closeHour < 0 || closeHour > 23 {
		closeHour = 22
	}
	closeMinute, err := strconv.Atoi(getEnv("CLOSE_MINUTE", "0"))
	if err != nil || closeMinute < 0 || closeMinute > 59 {
		closeMinute = 0
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		Timezone:              getEnv("TIMEZONE", "America/Bogota"),
		CloseHour:             closeHour,
		CloseMinute:           closeMinute,
		StatsTTLSeconds:       statsTTL,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ReportDatabases:       parsePairs(os.Getenv("REPORT_DATABASES")),
		ReportHeadquarters:    parseHeadquarters(os.Getenv("REPORT_HEADQUARTERS")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// parsePairs reads "site=dsn,site=dsn" into a map. Sites are lowercased.
func parsePairs(raw string) map[string]string {
	pairs := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if key != "" && val != "" {
			pairs[key] = val
		}
	}
	return pairs
}

// parseHeadquarters reads "site=1|2|3,site=6|3" into per-site id lists. The
// defaults match the production headquarter assignment of each sales
// database.
func parseHeadquarters(raw string) map[string][]int64 {
	hqs := map[string][]int64{
		"manizales": {3, 1, 2},
		"ladorada":  {6, 3, 2, 5},
	}
	for site, val := range parsePairs(raw) {
		ids := make([]int64, 0, 4)
		for _, part := range strings.Split(val, "|") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err == nil && id > 0 {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			hqs[site] = ids
		}
	}
	return hqs
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
