package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port      string `yaml:"port"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Store struct {
		Driver string `yaml:"driver"` // mysql | supabase | memory
	} `yaml:"store"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Supabase struct {
		URL        string `yaml:"url"`
		ServiceKey string `yaml:"service_key"`
		Table      string `yaml:"table"`
	} `yaml:"supabase"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	Gemini struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`
	ClipGen struct {
		Endpoint           string `yaml:"endpoint"`
		APIKey             string `yaml:"api_key"`
		AspectRatio        string `yaml:"aspect_ratio"`
		SegmentCount       int    `yaml:"segment_count"`
		SegmentSeconds     int    `yaml:"segment_seconds"`
		CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
		MaxRetries         int    `yaml:"max_retries"`
		RetryBackoffMs     int    `yaml:"retry_backoff_ms"`
		LeaseSeconds       int    `yaml:"lease_seconds"`
	} `yaml:"clipgen"`
	Fetcher struct {
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxTextChars   int    `yaml:"max_text_chars"`
		UserAgent      string `yaml:"user_agent"`
	} `yaml:"fetcher"`
	Assembler struct {
		FFmpegPath          string `yaml:"ffmpeg_path"`
		FFprobePath         string `yaml:"ffprobe_path"`
		WorkDir             string `yaml:"work_dir"`
		DownloadConcurrency int    `yaml:"download_concurrency"`
		LeaseSeconds        int    `yaml:"lease_seconds"`
	} `yaml:"assembler"`
	Queue struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"queue"`
}

var AppConfig *Config

// InitConfig 读取 config/config.yaml，失败直接退出
func InitConfig() {
	// .env 可选，只用于覆盖密钥
	if err := godotenv.Load(); err != nil {
		log.Println(".env 文件不存在，使用系统环境变量")
	}
	cfg, err := Load("config/config.yaml")
	if err != nil {
		log.Fatalf("配置文件加载失败: %v", err)
	}
	AppConfig = cfg
}

// Load 解析 YAML 配置，叠加环境变量与默认值
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("配置文件读取失败: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"MYSQL_DSN", &c.MySQL.DSN},
		{"SUPABASE_URL", &c.Supabase.URL},
		{"SUPABASE_SERVICE_KEY", &c.Supabase.ServiceKey},
		{"REDIS_ADDR", &c.Redis.Addr},
		{"REDIS_PASSWORD", &c.Redis.Password},
		{"MINIO_ACCESS_KEY", &c.MinIO.AccessKey},
		{"MINIO_SECRET_KEY", &c.MinIO.SecretKey},
		{"GEMINI_API_KEY", &c.Gemini.APIKey},
		{"CLIPGEN_API_KEY", &c.ClipGen.APIKey},
		{"PUBLIC_URL", &c.Server.PublicURL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			c.Server.Port = ":" + v
		}
	}
}

func (c *Config) applyDefaults() {
	setString := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	setInt := func(dst *int, def int) {
		if *dst <= 0 {
			*dst = def
		}
	}
	setString(&c.Server.Port, ":8080")
	setString(&c.Store.Driver, "mysql")
	setString(&c.Supabase.Table, "conversion_job")
	setString(&c.MinIO.Bucket, "blog-to-video")
	setString(&c.Gemini.Model, "gemini-2.5-flash")
	setString(&c.ClipGen.AspectRatio, "9:16")
	setInt(&c.ClipGen.SegmentCount, 3)
	setInt(&c.ClipGen.SegmentSeconds, 8)
	setInt(&c.ClipGen.CallTimeoutSeconds, 60)
	setInt(&c.ClipGen.RetryBackoffMs, 2000)
	setInt(&c.ClipGen.LeaseSeconds, 300)
	if c.ClipGen.MaxRetries < 0 {
		c.ClipGen.MaxRetries = 0
	}
	setInt(&c.Fetcher.TimeoutSeconds, 15)
	setInt(&c.Fetcher.MaxTextChars, 12000)
	setString(&c.Fetcher.UserAgent, "BlogToVideo/1.0 (+https://github.com/blog-to-video)")
	setString(&c.Assembler.FFmpegPath, "ffmpeg")
	setString(&c.Assembler.FFprobePath, "ffprobe")
	setString(&c.Assembler.WorkDir, os.TempDir())
	setInt(&c.Assembler.DownloadConcurrency, 3)
	// 需长于合成任务的队列超时
	setInt(&c.Assembler.LeaseSeconds, 2400)
	setInt(&c.Queue.Concurrency, 5)
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "mysql":
		if c.MySQL.DSN == "" {
			return fmt.Errorf("store.driver=mysql 但 mysql.dsn 为空")
		}
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("store.driver=supabase 需要 supabase.url 和 supabase.service_key")
		}
	case "memory":
	default:
		return fmt.Errorf("未知的 store.driver: %q", c.Store.Driver)
	}
	return nil
}

// CallbackURL 生成片段回调地址，回调中带上 job 与 segment 便于直接定位
func (c *Config) CallbackURL(jobID string, segment int) string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/v1/api/webhooks/clips?job=%s&segment=%d", c.Server.PublicURL, jobID, segment)
}
