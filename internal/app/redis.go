package app

import (
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/redis"
)

func (app *App) initializeRedis() error {
	redisClient, err := redis.NewClient(&redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       app.Config.RedisDB,
		PoolSize: app.Config.RedisPoolSize,
	})
	if err != nil {
		return err
	}

	app.RedisClient = redisClient
	app.Logger.Info("Redis: Connected", logging.Field{Key: "address", Value: app.Config.RedisAddress})
	app.Logger.Info("Monthly quota: Enabled",
		logging.Field{Key: "limit", Value: app.Config.MonthlyQuota},
		logging.Field{Key: "window", Value: app.Config.QuotaWindow.String()},
	)
	return nil
}
