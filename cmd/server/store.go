package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"fixengine/pkg/fix/store"
)

// storeFactory selects the message store backend from STORE_BACKEND:
// file (default), memory, redis or mongo.
func storeFactory(log *zap.Logger) (store.Factory, error) {
	backend := os.Getenv("STORE_BACKEND")
	switch backend {
	case "", "file":
		dir := os.Getenv("STORE_DIR")
		if dir == "" {
			dir = "data/store"
		}
		log.Info("using file store", zap.String("dir", dir))
		return store.FileStoreFactory{Dir: dir}, nil

	case "memory":
		log.Info("using in-memory store")
		return store.MemStoreFactory{}, nil

	case "redis":
		uri := os.Getenv("REDIS_URL")
		if uri == "" {
			return nil, fmt.Errorf("STORE_BACKEND=redis requires REDIS_URL")
		}
		log.Info("using redis store", zap.String("url", uri))
		return store.RedisStoreFactory{Pool: store.NewRedisPool(uri)}, nil

	case "mongo":
		uri := os.Getenv("MONGO_URL")
		if uri == "" {
			return nil, fmt.Errorf("STORE_BACKEND=mongo requires MONGO_URL")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		name := os.Getenv("MONGO_DB")
		if name == "" {
			name = "fixengine"
		}
		log.Info("using mongo store", zap.String("db", name))
		return store.MongoStoreFactory{DB: client.Database(name)}, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
}
