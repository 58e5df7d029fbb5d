package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-signup-mfa/internal/application/account"
	"github.com/go-signup-mfa/internal/application/mfa"
	"github.com/go-signup-mfa/internal/application/otp"
	"github.com/go-signup-mfa/internal/application/reservation"
	"github.com/go-signup-mfa/internal/application/serviceaccount"
	"github.com/go-signup-mfa/internal/application/session"
	"github.com/go-signup-mfa/internal/application/signin"
	"github.com/go-signup-mfa/internal/application/signup"
	"github.com/go-signup-mfa/internal/application/totp"
	"github.com/go-signup-mfa/internal/config"
	"github.com/go-signup-mfa/internal/infrastructure/awsconf"
	"github.com/go-signup-mfa/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-signup-mfa/internal/infrastructure/jwt"
	"github.com/go-signup-mfa/internal/infrastructure/kms"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/infrastructure/queue"
	redisinfra "github.com/go-signup-mfa/internal/infrastructure/redis"
	"github.com/go-signup-mfa/internal/infrastructure/smtp"
	"github.com/go-signup-mfa/internal/infrastructure/sns"
	transporthttp "github.com/go-signup-mfa/internal/transport/http"
	"github.com/go-signup-mfa/internal/transport/http/handler"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()

	zl, err := logger.New(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx := context.Background()

	awsCfg, err := awsconf.Load(ctx, cfg, cfg.AWSRegion)
	if err != nil {
		return err
	}
	snsCfg, err := awsconf.Load(ctx, cfg, cfg.SNSRegion)
	if err != nil {
		return err
	}
	endpoint := awsconf.Endpoint(cfg)

	// Bootstrap DynamoDB tables (creates them if they don't exist).
	dynamoClient := dynamo.NewClient(awsCfg, endpoint)
	dynamo.Bootstrap(ctx, dynamoClient, cfg.DynamoTables, zl)

	users := dynamo.NewUserRepo(dynamoClient, cfg.DynamoTables.Users)
	sessions := dynamo.NewSessionRepo(dynamoClient, cfg.DynamoTables.Sessions)
	reservations := dynamo.NewReservationRepo(dynamoClient, cfg.DynamoTables.EmailReservations)
	codes := dynamo.NewOTPRepo(dynamoClient, cfg.DynamoTables.OneTimeCodes)
	methods := dynamo.NewAuthMethodRepo(dynamoClient, cfg.DynamoTables.AuthMethods)
	serviceAccounts := dynamo.NewServiceAccountRepo(dynamoClient, cfg.DynamoTables.ServiceAccounts)
	accounts := dynamo.NewAccountRepo(dynamoClient, cfg.DynamoTables)

	rdb := redisinfra.NewClient(cfg)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	asynqClient := queue.NewClient(cfg)
	defer asynqClient.Close()

	jwtProvider, err := jwtinfra.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("jwt provider: %w", err)
	}

	var sealer kms.Sealer
	if cfg.KMSKeyID != "" {
		sealer = kms.NewSealer(awsCfg, endpoint, cfg.KMSKeyID)
	} else {
		zl.Warn("KMS_KEY_ID not set, authenticator secrets are stored unsealed")
		sealer = kms.PlainSealer{}
	}

	reservationSvc := reservation.NewService(reservation.ServiceDeps{
		Store:      reservations,
		Users:      users,
		DefaultTTL: cfg.Signup.ReservationTTL,
		Logger:     zl,
	})
	otpSvc := otp.NewService(otp.ServiceDeps{
		Store:       codes,
		Limiter:     redisinfra.NewSendLimiter(rdb, cfg.OTP.DailyLimit, cfg.OTP.RolloverTZ),
		MaxAttempts: cfg.OTP.MaxAttempts,
		Cooldown:    cfg.OTP.Cooldown,
		DefaultTTL:  cfg.OTP.EmailExpiry,
		AdminBypass: cfg.OTP.AdminBypass,
		AdminEmails: cfg.Signup.AdminEmails,
		Logger:      zl,
	})
	totpSvc := totp.NewService(totp.ServiceDeps{
		Methods:  methods,
		Sealer:   sealer,
		Attempts: redisinfra.NewFailureLimiter(rdb, "totp", cfg.TOTPMaxFailures, cfg.TOTPLockout),
		Issuer:   cfg.TOTPIssuer,
		Logger:   zl,
	})
	accountSvc := account.NewService(account.ServiceDeps{
		Store:       accounts,
		Trials:      queue.NewEnqueuer(asynqClient),
		AdminEmails: cfg.Signup.AdminEmails,
		Logger:      zl,
	})
	sessionSvc := session.NewService(session.ServiceDeps{
		Sessions:   sessions,
		Users:      users,
		Signer:     jwtProvider,
		AccessTTL:  cfg.JWTExpiry,
		RefreshTTL: cfg.RefreshExpiry,
		Logger:     zl,
	})
	mailer := smtp.NewMailer(cfg)
	smsSender := sns.NewSender(snsCfg, endpoint)
	signupSvc := signup.NewService(signup.ServiceDeps{
		Reservations:   reservationSvc,
		Codes:          otpSvc,
		Authenticator:  totpSvc,
		Accounts:       accountSvc,
		Sessions:       sessionSvc,
		Identity:       jwtProvider,
		Methods:        methods,
		Mailer:         mailer,
		SMS:            smsSender,
		EmailEnabled:   cfg.Signup.EmailEnabled,
		ReservationTTL: cfg.Signup.ReservationTTL,
		EmailCodeTTL:   cfg.OTP.EmailExpiry,
		SMSCodeTTL:     cfg.OTP.SMSExpiry,
		Logger:         zl,
	})
	signinSvc := signin.NewService(signin.ServiceDeps{
		Users:         users,
		Methods:       methods,
		Codes:         otpSvc,
		Authenticator: totpSvc,
		Sessions:      sessionSvc,
		Tokens:        jwtProvider,
		Mailer:        mailer,
		SMS:           smsSender,
		EmailCodeTTL:  cfg.OTP.EmailExpiry,
		SMSCodeTTL:    cfg.OTP.SMSExpiry,
		Logger:        zl,
	})
	mfaSvc := mfa.NewService(mfa.ServiceDeps{
		Authenticator: totpSvc,
		Users:         users,
		Logger:        zl,
	})
	serviceAccountSvc := serviceaccount.NewService(serviceaccount.ServiceDeps{
		Store:       serviceAccounts,
		Signer:      jwtProvider,
		MaxValidity: cfg.ServiceTokenMax,
		Logger:      zl,
	})

	router := transporthttp.NewRouter(cfg, &transporthttp.Deps{
		Signup:          signupSvc,
		SignIn:          signinSvc,
		Sessions:        sessionSvc,
		MFA:             mfaSvc,
		ServiceAccounts: serviceAccountSvc,
		Reservations:    reservationSvc,
		Users:           users,
		SessionStore:    sessions,
		Tokens:          jwtProvider,
		HealthChecks: map[string]handler.CheckFunc{
			"dynamodb": dynamo.Ping(dynamoClient, cfg.DynamoTables.Users),
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Logger: zl,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server starting", zap.String("port", cfg.AppPort), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	zl.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	zl.Info("server stopped")
	return nil
}
