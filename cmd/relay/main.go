package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collaborative-map-editor/internal/config"
)

func main() {
	// Load configuration
	config.LoadConfig()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if config.AppConfig.Environment == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Redis is optional: without it the relay still serves a single
	// instance, it just cannot fan out across instances.
	var rdb *redis.Client
	client := redis.NewClient(&redis.Options{Addr: config.AppConfig.RedisAddress})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available, running single-instance")
	} else {
		rdb = client
		log.Info().Msg("redis connected")
	}

	hs := newHubs(rdb, log)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if config.AppConfig.Environment == "development" {
				return true
			}
			return r.Header.Get("Origin") == config.AppConfig.FrontendAddress
		},
	}

	if config.AppConfig.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// cors setting
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}
	if config.AppConfig.Environment == "development" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{config.AppConfig.FrontendAddress}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/rooms/:room/ws", serveRoom(hs, upgrader, log))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", config.AppConfig.RelayPort),
		Handler: router.Handler(),
	}

	// Start server
	go func() {
		log.Info().Str("port", config.AppConfig.RelayPort).Msg("relay listening")
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("relay failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down relay")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("relay shutdown error")
	}
}
