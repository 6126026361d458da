package config

import (
	"os"
	"strconv"
	"strings"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
	// 慢查询阈值（毫秒）
	SlowQueryMS int `yaml:"slow_query_ms"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// 签发 token 的有效期（小时）
	TTLHours int `yaml:"ttl_hours"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// LookupEnv 返回 keys 中第一个非空的环境变量
func LookupEnv(keys ...string) (string, bool) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v, true
		}
	}
	return "", false
}

// OverrideString 环境变量存在时覆盖 dst；多个 key 按顺序取第一个非空值
func OverrideString(dst *string, keys ...string) {
	if v, ok := LookupEnv(keys...); ok {
		*dst = v
	}
}

// OverrideInt 同 OverrideString，无法解析的值被忽略
func OverrideInt(dst *int, keys ...string) {
	if v, ok := LookupEnv(keys...); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	OverrideString(&cfg.Host, "DB_HOST")
	OverrideInt(&cfg.Port, "DB_PORT")
	OverrideString(&cfg.User, "DB_USER")
	OverrideString(&cfg.Password, "DB_PASSWORD")
	OverrideString(&cfg.Name, "DB_NAME")
	OverrideString(&cfg.SSLMode, "DB_SSLMODE")

	maxConns := int(cfg.MaxConns)
	OverrideInt(&maxConns, "DB_MAX_CONNS")
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	OverrideString(&cfg.URL, "MQ_URL", "RABBITMQ_URL")
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	OverrideString(&cfg.Addr, "REDIS_ADDR")
	OverrideString(&cfg.Password, "REDIS_PASSWORD")
	OverrideInt(&cfg.DB, "REDIS_DB")
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	OverrideString(&cfg.Secret, "JWT_SECRET")
	OverrideInt(&cfg.TTLHours, "JWT_TTL_HOURS")
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	OverrideString(&cfg.Port, "SERVER_PORT")
}
