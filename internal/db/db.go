package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultDatabase = "cardkey"

var (
	client     *mongo.Client
	clientErr  error
	clientOnce sync.Once
)

// DatabaseName returns the database named in the URI path, or "cardkey".
func DatabaseName(mongoURI string) (string, error) {
	uri, err := url.Parse(mongoURI)
	if err != nil {
		return "", fmt.Errorf("parse MongoDB URI: %w", err)
	}
	name := strings.TrimPrefix(uri.Path, "/")
	if name == "" {
		name = defaultDatabase
	}
	return name, nil
}

// ConnectToDB returns the process wide database handle, connecting on first
// use. Later calls reuse the same client.
func ConnectToDB(ctx context.Context, mongoURI string) (*mongo.Database, error) {
	dbName, err := DatabaseName(mongoURI)
	if err != nil {
		return nil, err
	}

	clientOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		c, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
		if err != nil {
			clientErr = fmt.Errorf("connect to MongoDB: %w", err)
			return
		}
		if err := c.Ping(ctx, nil); err != nil {
			_ = c.Disconnect(context.Background())
			clientErr = fmt.Errorf("ping MongoDB: %w", err)
			return
		}
		client = c
	})
	if clientErr != nil {
		return nil, clientErr
	}

	return client.Database(dbName), nil
}

// Disconnect closes the shared client, if one was opened.
func Disconnect(ctx context.Context) {
	if client == nil {
		return
	}
	if err := client.Disconnect(ctx); err != nil {
		log.Errorf("Error disconnecting from MongoDB: %v", err)
	}
}
