package db

import (
	"context"
	"fmt"

	"github.com/avvvet/cardkey-services/internal/cardsvc/config"
	"github.com/avvvet/cardkey-services/internal/cardsvc/store"
	mongodb "github.com/avvvet/cardkey-services/internal/db"
	log "github.com/sirupsen/logrus"
)

// OpenStore connects the configured driver and returns the card store plus a
// close func for shutdown.
func OpenStore(ctx context.Context, cfg config.Config) (store.CardStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		database, err := mongodb.ConnectToDB(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewMongoCardStore(database)
		if err := s.EnsureIndexes(ctx); err != nil {
			mongodb.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("ensure card indexes: %w", err)
		}
		log.Infof("mongo connection established successfully (db %s)", database.Name())
		return s, func() { mongodb.Disconnect(context.Background()) }, nil

	case config.StorePostgres:
		pool, err := Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := EnsureSchema(ctx, pool); err != nil {
			ClosePool()
			return nil, nil, fmt.Errorf("ensure cards schema: %w", err)
		}
		log.Printf("pg connection established successfully")
		return store.NewPostgresCardStore(pool), ClosePool, nil

	case config.StoreMemory:
		log.Warn("using in-memory card store; cards are lost on restart")
		return store.NewMemoryCardStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
