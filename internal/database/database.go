package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"logx-server/internal/config"
	"logx-server/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitPostgreSQL initializes PostgreSQL connection
func InitPostgreSQL(cfg config.PostgreSQLConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	// Configure GORM
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error), // Only log errors, not all SQL queries
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Get underlying sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Enable UUID extension
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"").Error; err != nil {
		return nil, fmt.Errorf("failed to create uuid-ossp extension: %w", err)
	}

	// Auto migrate models
	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Create indexes
	if err := createIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	// Insert default data
	if err := insertDefaultData(db); err != nil {
		return nil, fmt.Errorf("failed to insert default data: %w", err)
	}

	return db, nil
}

// InitInfluxDB initializes InfluxDB connection
func InitInfluxDB(cfg config.InfluxDBConfig) (influxdb2.Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: status=%s", health.Status)
	}

	// Verify bucket exists
	bucketsAPI := client.BucketsAPI()
	bucket, err := bucketsAPI.FindBucketByName(ctx, cfg.Bucket)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to find InfluxDB bucket: %w", err)
	}
	if bucket == nil {
		client.Close()
		return nil, fmt.Errorf("InfluxDB bucket '%s' not found", cfg.Bucket)
	}

	return client, nil
}

// InitRedis initializes Redis connection
func InitRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}

// InitMinIO initializes MinIO connection
func InitMinIO(cfg config.MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Check if bucket exists
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if MinIO bucket exists: %w", err)
	}

	// Create bucket if it doesn't exist
	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create MinIO bucket: %w", err)
		}
	}

	return client, nil
}

// autoMigrate runs database migrations
func autoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&models.Analysis{},
		&models.Rule{},
		&models.RuleMatch{},
		&models.IOC{},
		&models.MITREMapping{},
		&models.AuditLog{},
	}

	for _, model := range models {
		if err := db.AutoMigrate(model); err != nil {
			// Log the error but continue - this allows the server to start even with migration issues
			fmt.Printf("Warning: failed to migrate %T: %v\n", model, err)
			continue
		}
	}

	return nil
}

// createIndexes creates additional database indexes for performance
func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Analyses indexes
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_analyses_status_submitted ON analyses(status, submitted_at DESC)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_analyses_file_hash ON analyses(file_hash) WHERE file_hash IS NOT NULL",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_analyses_severity_score ON analyses(severity, threat_score DESC)",

		// Rules indexes
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_rules_enabled_priority ON rules(enabled, priority ASC, name ASC)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_rules_type_category ON rules(type, category)",

		// Rule matches indexes
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_rule_matches_analysis ON rule_matches(analysis_id, created_at)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_rule_matches_rule ON rule_matches(rule_id)",

		// IOC indexes
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_iocs_analysis_type ON iocs(analysis_id, type)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_iocs_value_type ON iocs(value, type)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_iocs_malicious ON iocs(malicious) WHERE malicious = true",

		// MITRE mapping indexes
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_mitre_mappings_analysis ON mitre_mappings(analysis_id)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_mitre_mappings_technique ON mitre_mappings(technique_id)",

		// Audit logs indexes
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_audit_logs_action_timestamp ON audit_logs(action, timestamp DESC)",
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			// Log warning but don't fail - index might already exist
			if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "duplicate key") {
				fmt.Printf("Warning: failed to create index: %v\n", err)
			}
		}
	}

	return nil
}

// insertDefaultData seeds a small starting rule set
func insertDefaultData(db *gorm.DB) error {
	var count int64
	db.Model(&models.Rule{}).Count(&count)
	if count > 0 {
		fmt.Println("✅ Default rules already exist, skipping...")
		return nil
	}

	defaultRules := []models.Rule{
		{
			ID:          uuid.New(),
			Name:        "Credential_Dumping_Tools",
			Type:        models.RuleTypeContent,
			Severity:    models.SeverityCritical,
			Body:        `(?i)(mimikatz|sekurlsa|lsass\.dmp|procdump.*lsass)`,
			Description: "Known credential dumping tool names and artifacts",
			Category:    "credential-access",
			Priority:    10,
			Enabled:     true,
			Techniques:  []string{"T1003"},
		},
		{
			ID:          uuid.New(),
			Name:        "Encoded_PowerShell",
			Type:        models.RuleTypeContent,
			Severity:    models.SeverityHigh,
			Body:        `(?i)powershell(\.exe)?\s+.*-(enc|encodedcommand)\s+[A-Za-z0-9+/=]{20,}`,
			Description: "PowerShell invocation with an encoded command payload",
			Category:    "execution",
			Priority:    20,
			Enabled:     true,
			Techniques:  []string{"T1059.001", "T1027"},
		},
		{
			ID:          uuid.New(),
			Name:        "Failed_Login_Burst",
			Type:        models.RuleTypeBehavioral,
			Severity:    models.SeverityMedium,
			Body:        `{"field": "event_type", "operator": "equals", "value": "auth_failure", "min_count": 10}`,
			Description: "Burst of authentication failures across the artifact",
			Category:    "brute-force",
			Priority:    30,
			Enabled:     true,
			Techniques:  []string{"T1110"},
		},
		{
			ID:          uuid.New(),
			Name:        "Suspicious_Scheduled_Task",
			Type:        models.RuleTypeContent,
			Severity:    models.SeverityMedium,
			Body:        `(?i)schtasks\s+/create\s+.*(\\temp\\|\\appdata\\|powershell)`,
			Description: "Scheduled task created from a writable user directory",
			Category:    "persistence",
			Priority:    40,
			Enabled:     true,
			Techniques:  []string{"T1053.005"},
		},
	}

	for _, rule := range defaultRules {
		if err := db.Create(&rule).Error; err != nil {
			return fmt.Errorf("failed to create default rule: %w", err)
		}
	}

	return nil
}

// HealthCheck performs a comprehensive health check of all databases
func HealthCheck(db *gorm.DB, influxClient influxdb2.Client, redisClient *redis.Client, minioClient *minio.Client) map[string]interface{} {
	health := make(map[string]interface{})
	ctx := context.Background()

	// PostgreSQL health
	if db == nil {
		health["postgresql"] = map[string]interface{}{"status": "unavailable"}
	} else if sqlDB, err := db.DB(); err != nil {
		health["postgresql"] = map[string]interface{}{"status": "error", "error": err.Error()}
	} else if err := sqlDB.Ping(); err != nil {
		health["postgresql"] = map[string]interface{}{"status": "error", "error": err.Error()}
	} else {
		stats := sqlDB.Stats()
		health["postgresql"] = map[string]interface{}{
			"status":           "healthy",
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		}
	}

	// InfluxDB health
	if influxClient == nil {
		health["influxdb"] = map[string]interface{}{"status": "unavailable"}
	} else if healthResult, err := influxClient.Health(ctx); err != nil {
		health["influxdb"] = map[string]interface{}{"status": "error", "error": err.Error()}
	} else {
		health["influxdb"] = map[string]interface{}{
			"status": healthResult.Status,
		}
	}

	// Redis health
	if redisClient == nil {
		health["redis"] = map[string]interface{}{"status": "unavailable"}
	} else if _, err := redisClient.Ping(ctx).Result(); err != nil {
		health["redis"] = map[string]interface{}{"status": "error", "error": err.Error()}
	} else {
		health["redis"] = map[string]interface{}{"status": "healthy"}
	}

	// MinIO health
	if minioClient == nil {
		health["minio"] = map[string]interface{}{"status": "unavailable"}
	} else {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := minioClient.ListBuckets(ctx); err != nil {
			health["minio"] = map[string]interface{}{"status": "error", "error": err.Error()}
		} else {
			health["minio"] = map[string]interface{}{"status": "healthy"}
		}
	}

	return health
}
