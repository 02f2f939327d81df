package conf

import (
	"fmt"

	"github.com/tphakala/aedbatch/internal/secrets"
)

// resolveSecrets expands ${VAR} references and reads mounted secret files
// into the settings. A database secret document overrides the individual
// MySQL fields.
func resolveSecrets(s *Settings) error {
	db := &s.Database.MySQL

	if db.SecretFile != "" {
		doc, err := secrets.ReadDatabaseSecret(db.SecretFile)
		if err != nil {
			return err
		}
		db.Host = doc.Host
		db.Port = doc.PortNumber()
		db.Schema = doc.Schema
		db.Username = doc.Username
		db.Password = doc.Password
	} else {
		password, err := secrets.Resolve(db.PasswordFile, db.Password)
		if err != nil {
			return fmt.Errorf("database password: %w", err)
		}
		db.Password = password
	}

	redisPassword, err := secrets.ExpandString(s.Redis.Password)
	if err != nil {
		return fmt.Errorf("redis password: %w", err)
	}
	s.Redis.Password = redisPassword

	dsn, err := secrets.Resolve(s.Telemetry.DSNFile, s.Telemetry.DSN)
	if err != nil {
		return fmt.Errorf("telemetry dsn: %w", err)
	}
	s.Telemetry.DSN = dsn

	for i := range s.Accounts {
		a := &s.Accounts[i]

		url, err := secrets.Resolve(a.AMQP.URLFile, a.AMQP.URL)
		if err != nil {
			return fmt.Errorf("account %d amqp url: %w", a.ID, err)
		}
		a.AMQP.URL = url

		accessKey, err := secrets.ExpandString(a.S3.AccessKey)
		if err != nil {
			return fmt.Errorf("account %d s3 access key: %w", a.ID, err)
		}
		a.S3.AccessKey = accessKey

		secretKey, err := secrets.Resolve(a.S3.SecretKeyFile, a.S3.SecretKey)
		if err != nil {
			return fmt.Errorf("account %d s3 secret key: %w", a.ID, err)
		}
		a.S3.SecretKey = secretKey
	}

	return nil
}
