package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"otp-login-service/internal/config"
	"otp-login-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateUser         *gocql.Query
	CreateMobileToUser *gocql.Query
	CreateEmailToUser  *gocql.Query
	GetUserByID        *gocql.Query
	GetUserByMobile    *gocql.Query
	GetUserByEmail     *gocql.Query
	UpdateUserNames    *gocql.Query
	UpdateLastLogin    *gocql.Query
	DeleteUser         *gocql.Query
	DeleteMobileToUser *gocql.Query
	DeleteEmailToUser  *gocql.Query

	CreateOTP        *gocql.Query
	ListRecentOTPs   *gocql.Query
	CountRecentOTPs  *gocql.Query
	DeleteOTP        *gocql.Query
	DeleteOTPsByUser *gocql.Query

	CreateSession  *gocql.Query
	CloseSession   *gocql.Query
	TouchSession   *gocql.Query
	DeleteSessions *gocql.Query
	GetProfile     *gocql.Query
	DeleteProfile  *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
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
		util.Any("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateUser = s.Session.Query(`
        INSERT INTO users (
            user_bucket, user_id, username, mobile_hash, email_hash,
            mobile_encrypted, email_encrypted, key_id, password_hash, password_salt,
            first_name, last_name, has_profile, created_at, last_login, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateMobileToUser = s.Session.Query(`
        INSERT INTO mobile_to_user (mobile_hash, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.CreateEmailToUser = s.Session.Query(`
        INSERT INTO email_to_user (email_hash, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetUserByID = s.Session.Query(`
        SELECT user_bucket, user_id, username, mobile_hash, email_hash,
            mobile_encrypted, email_encrypted, key_id, password_hash, password_salt,
            first_name, last_name, has_profile, created_at, last_login, updated_at
        FROM users WHERE user_bucket = ? AND user_id = ?`)

	prepared.GetUserByMobile = s.Session.Query(`
        SELECT user_bucket, user_id FROM mobile_to_user WHERE mobile_hash = ?`)

	prepared.GetUserByEmail = s.Session.Query(`
        SELECT user_bucket, user_id FROM email_to_user WHERE email_hash = ?`)

	prepared.UpdateUserNames = s.Session.Query(`
        UPDATE users SET first_name = ?, last_name = ?, has_profile = ?, updated_at = ?
        WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateLastLogin = s.Session.Query(`
        UPDATE users SET last_login = ? WHERE user_bucket = ? AND user_id = ?`)

	prepared.DeleteUser = s.Session.Query(`
        DELETE FROM users WHERE user_bucket = ? AND user_id = ?`)

	prepared.DeleteMobileToUser = s.Session.Query(`
        DELETE FROM mobile_to_user WHERE mobile_hash = ?`)

	prepared.DeleteEmailToUser = s.Session.Query(`
        DELETE FROM email_to_user WHERE email_hash = ?`)

	prepared.CreateOTP = s.Session.Query(`
        INSERT INTO otps (
            user_id, created_at, otp_id, code_hash, code_salt,
            attempts, max_attempts, is_used, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`)

	prepared.ListRecentOTPs = s.Session.Query(`
        SELECT user_id, created_at, otp_id, code_hash, code_salt,
            attempts, max_attempts, is_used, expires_at
        FROM otps WHERE user_id = ? LIMIT ?`)

	prepared.CountRecentOTPs = s.Session.Query(`
        SELECT COUNT(*) FROM otps WHERE user_id = ? AND created_at > ?`)

	prepared.DeleteOTP = s.Session.Query(`
        DELETE FROM otps WHERE user_id = ? AND created_at = ? AND otp_id = ?`)

	prepared.DeleteOTPsByUser = s.Session.Query(`
        DELETE FROM otps WHERE user_id = ?`)

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO sessions (
            user_id, session_token, ip_address, user_agent,
            is_active, created_at, last_activity
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.CloseSession = s.Session.Query(`
        UPDATE sessions SET is_active = ?, last_activity = ?
        WHERE user_id = ? AND session_token = ?`)

	prepared.TouchSession = s.Session.Query(`
        UPDATE sessions SET last_activity = ?
        WHERE user_id = ? AND session_token = ?`)

	prepared.DeleteSessions = s.Session.Query(`
        DELETE FROM sessions WHERE user_id = ?`)

	prepared.GetProfile = s.Session.Query(`
        SELECT user_id, first_name, last_name, address_line1, address_line2,
            city, state, postal_code, country, date_of_birth, created_at, updated_at
        FROM profiles WHERE user_id = ?`)

	prepared.DeleteProfile = s.Session.Query(`
        DELETE FROM profiles WHERE user_id = ?`)

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
