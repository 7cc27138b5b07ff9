package factory

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/metherx/cellagent/state"
	memorystore "github.com/metherx/cellagent/state/memory"
	redisstore "github.com/metherx/cellagent/state/redis"
	sqlitestore "github.com/metherx/cellagent/state/sqlite"
)

// Open builds a checkpoint store from a DSN:
//
//	memory
//	sqlite:./.cellagent/state.db
//	redis://:password@127.0.0.1:6379/0
func Open(dsn string) (state.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("state dsn is required")
	}

	switch {
	case dsn == "memory":
		return memorystore.New(), nil

	case strings.HasPrefix(dsn, "sqlite:"):
		path := strings.TrimPrefix(dsn, "sqlite:")
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("sqlite dsn is missing a path")
		}
		return sqlitestore.New(path)

	case strings.HasPrefix(dsn, "redis://"):
		return openRedis(dsn)

	default:
		return nil, fmt.Errorf("unsupported state dsn %q (use memory, sqlite:<path>, or redis://<addr>)", dsn)
	}
}

func openRedis(dsn string) (state.Store, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid redis dsn: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("redis dsn is missing an address")
	}

	opts := []redisstore.Option{}
	if parsed.User != nil {
		if password, ok := parsed.User.Password(); ok {
			opts = append(opts, redisstore.WithPassword(password))
		}
	}
	if db := strings.Trim(parsed.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q: %w", db, err)
		}
		opts = append(opts, redisstore.WithDB(n))
	}
	if prefix := parsed.Query().Get("prefix"); prefix != "" {
		opts = append(opts, redisstore.WithPrefix(prefix))
	}
	return redisstore.New(parsed.Host, opts...)
}
