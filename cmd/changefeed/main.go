// Command changefeed is an AWS Lambda function that forwards DynamoDB Streams
// records of canopy tables to the Redis change channel.
package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/jacentio/canopy/notify"
	"github.com/jacentio/canopy/stream"
)

func main() {
	cfg, err := loadSettings(viper.New())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level, err := cfg.level()
	if err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	schemas, err := cfg.schemas()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	sink := notify.Fanout{
		&notify.LogSink{Logger: logger, Level: slog.LevelDebug},
		notify.NewRedisSink(client, cfg.ChannelPrefix, notify.WithShards(cfg.ChannelShards)),
	}

	h := stream.NewHandler(sink, stream.Config{
		TTLAttribute:    cfg.TTLAttribute,
		TenantAttribute: cfg.TenantAttribute,
		Logger:          logger,
	}, schemas...)

	logger.Info("starting changefeed", "schemas", len(schemas), "redis", cfg.RedisAddr, "shards", cfg.ChannelShards)
	lambda.Start(h.HandleBatch)
}
