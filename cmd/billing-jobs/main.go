// Command billing-jobs runs the scheduled billing maintenance tasks:
// the suspension sweep and the daily usage push. It is meant to run
// from cron or a scheduled container, one job per invocation.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/vocalys/rdv-platform/internal/billing"
	appconfig "github.com/vocalys/rdv-platform/internal/config"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// defaultQuotas maps plan lookup keys to included minutes per month.
// Override with PLAN_QUOTA_MINUTES, e.g. "essentiel=300,pro=1000".
var defaultQuotas = map[string]int64{
	"essentiel": 300,
	"pro":       1000,
	"cabinet":   3000,
}

func main() {
	_ = godotenv.Load()

	job := flag.String("job", "", "job to run: suspend | usage")
	dayFlag := flag.String("day", "", "usage day as YYYY-MM-DD, default yesterday (UTC)")
	flag.Parse()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store := billing.NewStore(db)
	tenants := tenancy.NewPGStore(db)

	switch *job {
	case "suspend":
		grace := time.Duration(cfg.SuspensionGraceDays) * 24 * time.Hour
		n, err := billing.NewSuspensionJob(store, tenants, grace, logger).Run(ctx, time.Now())
		if err != nil {
			logger.Error("suspension sweep failed", "error", err)
			os.Exit(1)
		}
		logger.Info("suspension sweep complete", "suspended", n)

	case "usage":
		day, err := resolveDay(*dayFlag)
		if err != nil {
			logger.Error("invalid -day", "error", err)
			os.Exit(1)
		}
		var pusher billing.UsagePusher
		if cfg.StripeSecretKey != "" {
			pusher = billing.NewStripeClient(cfg.StripeSecretKey, logger)
		}
		usage := billing.NewUsageJob(db, store, pusher, quotasFromEnv(logger), nil, logger)
		if err := usage.Run(ctx, day); err != nil {
			logger.Error("usage push failed", "day", day.Format("2006-01-02"), "error", err)
			os.Exit(1)
		}
		logger.Info("usage push complete", "day", day.Format("2006-01-02"))

	default:
		logger.Error("unknown job, want suspend or usage", "job", *job)
		os.Exit(1)
	}
}

func resolveDay(raw string) (time.Time, error) {
	if raw == "" {
		y, m, d := time.Now().UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse("2006-01-02", raw)
}

func quotasFromEnv(logger *logging.Logger) map[string]int64 {
	raw := strings.TrimSpace(os.Getenv("PLAN_QUOTA_MINUTES"))
	if raw == "" {
		return defaultQuotas
	}
	quotas := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		plan, minutes, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			logger.Warn("skipping malformed quota entry", "entry", pair)
			continue
		}
		n, err := strconv.ParseInt(minutes, 10, 64)
		if err != nil {
			logger.Warn("skipping malformed quota entry", "entry", pair, "error", err)
			continue
		}
		quotas[strings.ToLower(plan)] = n
	}
	if len(quotas) == 0 {
		return defaultQuotas
	}
	return quotas
}
