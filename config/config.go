package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	LiveTrack LiveTrackConfig `yaml:"livetrack"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	DocumentUpdatedTopicName string `yaml:"document_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LiveTrackConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	RouteCacheTTLSeconds int `yaml:"route_cache_ttl_seconds"`
	ViewCacheTTLSeconds  int `yaml:"view_cache_ttl_seconds"`

	DirectionsBaseURL       string  `yaml:"directions_base_url"`
	DirectionsAPIKey        string  `yaml:"directions_api_key"`
	DirectionsRatePerMinute int     `yaml:"directions_rate_per_minute"`
	TrafficFactor           float64 `yaml:"traffic_factor"`

	LocationMinIntervalSeconds int     `yaml:"location_min_interval_seconds"`
	LocationMinDistanceMeters  float64 `yaml:"location_min_distance_meters"`

	// Симулятор раннера (demo-окружение).
	SimulatorSubjectID    string  `yaml:"simulator_subject_id"`
	SimulatorSubjectKind  string  `yaml:"simulator_subject_kind"`
	SimulatorStepSeconds  int     `yaml:"simulator_step_seconds"`
	SimulatorOriginLat    float64 `yaml:"simulator_origin_lat"`
	SimulatorOriginLng    float64 `yaml:"simulator_origin_lng"`
	SimulatorTargetLat    float64 `yaml:"simulator_target_lat"`
	SimulatorTargetLng    float64 `yaml:"simulator_target_lng"`
	SimulatorDriveStatuses bool   `yaml:"simulator_drive_statuses"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
