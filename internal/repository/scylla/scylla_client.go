package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-service/internal/config"
	"security-service/internal/util"
)

// PreparedStatements holds the statements the repositories bind.
type PreparedStatements struct {
	UpsertProfile        *gocql.Query
	GetProfile           *gocql.Query
	UpdateSecondFactor   *gocql.Query
	UpdateBackupCounters *gocql.Query

	InsertCredential *gocql.Query
	ListCredentials  *gocql.Query
	DeleteCredential *gocql.Query
	CountCredentials *gocql.Query

	InsertBackupCode *gocql.Query
	ListBackupCodes  *gocql.Query
	MarkCodeUsed     *gocql.Query

	UpsertChannel  *gocql.Query
	ListChannels   *gocql.Query
	VerifyChannel  *gocql.Query
	SetChannelUse  *gocql.Query
	DeleteChannel  *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.UpsertProfile = s.Session.Query(`
        INSERT INTO security_profiles (
            user_bucket, user_id, password_hash, password_set,
            two_factor_enabled, primary_method, totp_secret_enc,
            totp_secret_dek, totp_key_id, two_factor_email,
            backup_code_epoch, backup_codes_remaining, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetProfile = s.Session.Query(`
        SELECT user_bucket, user_id, password_hash, password_set,
            two_factor_enabled, primary_method, totp_secret_enc,
            totp_secret_dek, totp_key_id, two_factor_email,
            backup_code_epoch, backup_codes_remaining, created_at, updated_at
        FROM security_profiles WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateSecondFactor = s.Session.Query(`
        UPDATE security_profiles SET
            two_factor_enabled = ?, primary_method = ?, totp_secret_enc = ?,
            totp_secret_dek = ?, totp_key_id = ?, two_factor_email = ?, updated_at = ?
        WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateBackupCounters = s.Session.Query(`
        UPDATE security_profiles SET
            backup_code_epoch = ?, backup_codes_remaining = ?, updated_at = ?
        WHERE user_bucket = ? AND user_id = ?`)

	prepared.InsertCredential = s.Session.Query(`
        INSERT INTO biometric_credentials (
            user_bucket, user_id, credential_id, device_name, public_key,
            attestation_type, aaguid, sign_count, transports, created_at, last_used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListCredentials = s.Session.Query(`
        SELECT user_bucket, user_id, credential_id, device_name, public_key,
            attestation_type, aaguid, sign_count, transports, created_at, last_used_at
        FROM biometric_credentials WHERE user_bucket = ? AND user_id = ?`)

	prepared.DeleteCredential = s.Session.Query(`
        DELETE FROM biometric_credentials
        WHERE user_bucket = ? AND user_id = ? AND credential_id = ?`)

	prepared.CountCredentials = s.Session.Query(`
        SELECT COUNT(*) FROM biometric_credentials
        WHERE user_bucket = ? AND user_id = ?`)

	prepared.InsertBackupCode = s.Session.Query(`
        INSERT INTO backup_codes (
            user_bucket, user_id, epoch, code_hash, code_salt,
            pepper_version, used, used_at, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListBackupCodes = s.Session.Query(`
        SELECT user_bucket, user_id, epoch, code_hash, code_salt,
            pepper_version, used, used_at, created_at
        FROM backup_codes WHERE user_bucket = ? AND user_id = ? AND epoch = ?`)

	prepared.MarkCodeUsed = s.Session.Query(`
        UPDATE backup_codes SET used = true, used_at = ?
        WHERE user_bucket = ? AND user_id = ? AND epoch = ? AND code_hash = ?`)

	prepared.UpsertChannel = s.Session.Query(`
        INSERT INTO recovery_channels (
            user_bucket, user_id, channel_type, channel_value,
            verified, active, created_at, verified_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListChannels = s.Session.Query(`
        SELECT user_bucket, user_id, channel_type, channel_value,
            verified, active, created_at, verified_at
        FROM recovery_channels WHERE user_bucket = ? AND user_id = ?`)

	prepared.VerifyChannel = s.Session.Query(`
        UPDATE recovery_channels SET verified = true, active = true, verified_at = ?
        WHERE user_bucket = ? AND user_id = ? AND channel_type = ?`)

	prepared.SetChannelUse = s.Session.Query(`
        UPDATE recovery_channels SET active = ?
        WHERE user_bucket = ? AND user_id = ? AND channel_type = ?`)

	prepared.DeleteChannel = s.Session.Query(`
        DELETE FROM recovery_channels
        WHERE user_bucket = ? AND user_id = ? AND channel_type = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
