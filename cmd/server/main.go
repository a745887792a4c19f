package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"esim-fulfillment-service/internal/config"
	"esim-fulfillment-service/internal/controller"
	"esim-fulfillment-service/internal/middleware"
	"esim-fulfillment-service/internal/rabbit"
	"esim-fulfillment-service/internal/repository"
	"esim-fulfillment-service/internal/service"
)

func main() {
	godotenv.Load()
	cfg := config.Load()

	// MongoDB connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal(err)
	}
	db := client.Database(cfg.MongoDBName)

	// Repositories and services
	orderRepo := repository.NewMongoOrderRepository(db)
	eventRepo := repository.NewMongoWebhookEventRepository(db)

	esimSvc := service.NewEsimService(cfg)
	stripeSvc := service.NewStripeService(cfg)
	resendClient := service.NewResendClient(cfg)
	twilioClient := service.NewTwilioClient(cfg)
	deliverySvc := service.NewDeliveryService(resendClient, twilioClient)
	notifySvc := service.NewNotificationService(cfg)
	authSvc := service.NewAuthService(cfg)

	orderSvc := service.NewOrderService(
		orderRepo,
		esimSvc,
		stripeSvc,
		deliverySvc,
		notifySvc,
		time.Duration(cfg.DeliverySLASeconds)*time.Second,
		time.Duration(cfg.DeliveryRetryDelayMinutes)*time.Minute,
	)
	defer orderSvc.Close()

	guarantee := service.NewGuaranteeMonitor(
		orderRepo,
		notifySvc,
		time.Duration(cfg.GuaranteeDelayMinutes)*time.Minute,
	)
	defer guarantee.Stop()

	// Handlers
	ctrl := controller.NewOrderController(orderSvc, stripeSvc, eventRepo, guarantee)

	// Router
	r := gin.Default()

	// Public routes
	r.POST("/webhooks/stripe", ctrl.StripeWebhook)
	r.GET("/health", ctrl.Health)

	// Protected routes (token required)
	auth := r.Group("/")
	auth.Use(middleware.AuthMiddleware(authSvc))

	auth.GET("/orders/:orderId", ctrl.GetOrder)
	auth.POST("/refunds", ctrl.Refund)

	// Admin routes
	admin := auth.Group("/")
	admin.Use(middleware.AdminOnly())
	admin.POST("/orders/:orderId/resend", ctrl.ResendQR)

	// RabbitMQ connection
	conn, err := amqp091.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("error connecting to RabbitMQ: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("error opening RabbitMQ channel: %v", err)
	}

	rabbit.SetupConsumers(ch, orderSvc)

	// Run server
	log.Printf("eSIM Fulfillment Service listening on port %s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}
}
