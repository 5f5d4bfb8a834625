package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"net/url"
	"time"
)

const AppCollectionName = "apps"

type MongoOptions struct {
	Host               string
	Port               uint64
	Username           string
	Password           string
	Database           string
	Collection         string
	AppName            string
	UseTLS             bool
	ConnectTimeout     time.Duration
	SocketTimeout      time.Duration
	ConnectIdleTimeout time.Duration
	OperationTimeout   time.Duration
	Heartbeat          time.Duration
	MinPoolSize        uint64
	MaxPoolSize        uint64
}

// MongoManager stores apps in a MongoDB collection with unique id and key indexes.
type MongoManager struct {
	client           *mongo.Client
	apps             *mongo.Collection
	operationTimeout time.Duration
}

func NewMongoManager(ctx context.Context, opts MongoOptions) (*MongoManager, error) {
	logger.DebugF("Connecting to app database %s:%d...", opts.Host, opts.Port)

	databaseUrl := fmt.Sprintf("mongodb://%s:%d/?authSource=admin", opts.Host, opts.Port)
	if opts.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			url.QueryEscape(opts.Username), url.QueryEscape(opts.Password),
			opts.Host, opts.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(opts.AppName)
	if opts.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(opts.MinPoolSize)
	}
	if opts.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.ConnectIdleTimeout > 0 {
		clientOptions.SetMaxConnIdleTime(opts.ConnectIdleTimeout)
	}
	if opts.ConnectTimeout > 0 {
		clientOptions.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.SocketTimeout > 0 {
		clientOptions.SetSocketTimeout(opts.SocketTimeout)
	}
	if opts.Heartbeat > 0 {
		clientOptions.SetHeartbeatInterval(opts.Heartbeat)
	}
	if opts.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("App database connection created, id=%d", evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("App database connection closed, id=%d reason=%s", evt.ConnectionID, evt.Reason)
			}
		},
	})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to app database: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging app database: %w", err)
	}

	collection := opts.Collection
	if collection == "" {
		collection = AppCollectionName
	}
	apps := client.Database(opts.Database).Collection(collection)
	_, err = apps.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("apps_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("apps_key_unique"),
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating app indexes: %w", err)
	}

	operationTimeout := opts.OperationTimeout
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	return &MongoManager{client: client, apps: apps, operationTimeout: operationTimeout}, nil
}

func (m *MongoManager) findOne(ctx context.Context, filter bson.D) (*App, error) {
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	var a App
	startTime := time.Now()
	err := m.apps.FindOne(ctx, filter).Decode(&a)
	logger.DebugF("app query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, handleErr(err)
	}
	return &a, nil
}

func (m *MongoManager) FindByID(ctx context.Context, id string) (*App, error) {
	return m.findOne(ctx, bson.D{{Key: "id", Value: id}})
}

func (m *MongoManager) FindByKey(ctx context.Context, key string) (*App, error) {
	return m.findOne(ctx, bson.D{{Key: "key", Value: key}})
}

func (m *MongoManager) Create(ctx context.Context, a App) error {
	if err := a.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()
	if _, err := m.apps.InsertOne(ctx, a); err != nil {
		return handleErr(err)
	}
	logger.InfoF("App created: id=%s key=%s", a.ID, a.Key)
	return nil
}

func (m *MongoManager) Update(ctx context.Context, a App) error {
	if err := a.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	result, err := m.apps.ReplaceOne(ctx, bson.D{{Key: "id", Value: a.ID}}, a)
	if err != nil {
		return handleErr(err)
	}
	if result.MatchedCount == 0 {
		return ErrAppNotFound
	}
	logger.InfoF("App updated: id=%s, matched=%d, modified=%d", a.ID, result.MatchedCount, result.ModifiedCount)
	return nil
}

func (m *MongoManager) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	result, err := m.apps.DeleteOne(ctx, bson.D{{Key: "id", Value: id}})
	if err != nil {
		return handleErr(err)
	}
	if result.DeletedCount == 0 {
		return ErrAppNotFound
	}
	logger.InfoF("App deleted: id=%s", id)
	return nil
}

func (m *MongoManager) List(ctx context.Context) ([]App, error) {
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	cursor, err := m.apps.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, handleErr(err)
	}
	var apps []App
	if err := cursor.All(ctx, &apps); err != nil {
		return nil, handleErr(err)
	}
	return apps, nil
}

func (m *MongoManager) Close(ctx context.Context) error {
	logger.InfoF("Closing app database connection")
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func handleErr(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrAppNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrAppExists, err)
	default:
		return fmt.Errorf("app database operation failed: %w", err)
	}
}
