package config

import (
	"fmt"
	"os"
	"strings"
)

// resolveSecrets replaces *_env and *_file indirections with their values. An
// inline value wins over both.
func (c *Config) resolveSecrets() error {
	var err error
	if c.Database.DSN, err = resolve("database.dsn", c.Database.DSN, c.Database.DSNEnv, c.Database.DSNFile); err != nil {
		return err
	}
	if c.Treasury.PrivateKey, err = resolve("treasury.private_key", c.Treasury.PrivateKey, c.Treasury.PrivateKeyEnv, c.Treasury.PrivateKeyFile); err != nil {
		return err
	}
	if c.Admin.JWTSecret, err = resolve("admin.jwt_secret", c.Admin.JWTSecret, c.Admin.JWTSecretEnv, c.Admin.JWTSecretFile); err != nil {
		return err
	}
	if c.Lock.RedisPassword, err = resolve("lock.redis_password", c.Lock.RedisPassword, c.Lock.RedisPasswordEnv, ""); err != nil {
		return err
	}
	c.Treasury.KeystorePath = strings.TrimSpace(c.Treasury.KeystorePath)
	return nil
}

func resolve(field, inline, env, file string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", field, env)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", field, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
