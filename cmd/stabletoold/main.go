package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"StableTool/internal/agent"
	"StableTool/internal/api"
	"StableTool/internal/auth"
	"StableTool/internal/catalog"
	"StableTool/internal/composer"
	"StableTool/internal/config"
	"StableTool/internal/events"
	"StableTool/internal/llm/openai"
	"StableTool/internal/observability/alerting"
	"StableTool/internal/observability/metrics"
	"StableTool/internal/payment"
	"StableTool/internal/registry"
	"StableTool/internal/secrets"
	"StableTool/internal/selector"
	"StableTool/internal/storage"
	"StableTool/internal/storage/memory"
	"StableTool/internal/storage/mysql"
	"StableTool/internal/web3/ethereum"
	"StableTool/internal/web3/provider"
	"StableTool/pkg/logger"
)

// main 是 StableTool 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "token":
		err = issueToken(os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] == "seal":
		err = seal(os.Args[2:])
	default:
		err = run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("stabletoold 运行失败: %v", err)
	}
}

func configPath() string {
	if path := os.Getenv("STABLETOOL_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "stabletool.json")
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.Log.Level,
		Format:      cfg.Observability.Log.Format,
		OutputPaths: cfg.Observability.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Observability.Audit.Enabled,
			Path:       cfg.Observability.Audit.Path,
			MaxSizeMB:  cfg.Observability.Audit.MaxSizeMB,
			MaxBackups: cfg.Observability.Audit.MaxBackups,
			MaxAgeDays: cfg.Observability.Audit.MaxAgeDays,
			Compress:   cfg.Observability.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	box := secrets.New(cfg.Secrets.Key)

	publisher, err := events.Open(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer publisher.Close()

	alerts := buildAlerts(cfg.Observability.Alerting)

	oracle, err := openai.NewClient(openai.Config{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout(),
	})
	if err != nil {
		return err
	}

	settle, err := buildSettlement(ctx, cfg, box)
	if err != nil {
		return err
	}
	defer settle.Close()

	negotiator := payment.NewNegotiator(store, settle.settler,
		payment.WithTimeout(cfg.Payment.ToolTimeout()),
		payment.WithLogger(logger.Named("payment")),
		payment.WithPublisher(publisher),
		payment.WithAlerts(alerts),
	)

	orchestrator := agent.New(store,
		catalog.New(store, logger.Named("catalog")),
		selector.New(oracle,
			selector.WithTimeout(cfg.LLM.Timeout()),
			selector.WithLogger(logger.Named("selector")),
		),
		negotiator,
		composer.New(oracle,
			composer.WithTimeout(cfg.LLM.Timeout()),
			composer.WithLogger(logger.Named("composer")),
			composer.WithToken(cfg.Payment.TokenSymbol),
		),
		agent.WithSecrets(box),
		agent.WithPublisher(publisher),
		agent.WithLogger(logger.Named("agent")),
		agent.WithDefaultModel(cfg.LLM.Model),
	)

	var ledgerOpts []payment.LedgerOption
	if settle.balances != nil {
		ledgerOpts = append(ledgerOpts, payment.WithBalanceSource(settle.balances))
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Agent: orchestrator,
		Registry: registry.New(store,
			registry.WithPublisher(publisher),
			registry.WithAlerts(alerts),
			registry.WithLogger(logger.Named("registry")),
		),
		Ledger:   payment.NewLedger(store, ledgerOpts...),
		Accounts: store,
		Catalog:  catalog.New(store, logger.Named("catalog")),
		Executor: negotiator,
		Auth:     authSvc,
	}
	if settle.chains != nil {
		deps.Chains = settle.chains
	}

	server := api.NewServer(api.Config{
		Address:           cfg.Server.Address,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		TokenSymbol:       cfg.Payment.TokenSymbol,
		TokenContract:     settle.tokenContract,
		Network:           settle.network,
	}, deps, logger.Named("api"))

	if cfg.Observability.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Observability.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务退出", "error", err)
			}
		}()
	}

	logger.L().Info("stabletoold 已启动",
		"storage", cfg.Storage.Driver,
		"payment_mode", cfg.Payment.Mode,
		"events", cfg.Events.Driver,
		"auth_disabled", cfg.Auth.Disabled,
	)
	return server.Start(ctx)
}

// openStore 根据驱动创建存储，memory 驱动会写入种子账户。
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return mysql.NewStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			AutoMigrate:     cfg.AutoMigrate,
		})
	case "memory", "":
		store := memory.NewStore()
		for _, seed := range cfg.SeedAccounts {
			if _, err := store.CreateAccount(ctx, storage.Account{
				ID:                  seed.ID,
				Email:               seed.Email,
				WalletAddress:       seed.WalletAddress,
				EncryptedSigningKey: seed.EncryptedSigningKey,
				EncryptedLLMKey:     seed.EncryptedLLMKey,
				IsAdmin:             seed.IsAdmin,
			}); err != nil {
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, storage.ErrUnsupportedDriver
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.AuditNotifier{Logger: logger.Audit()}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, 5*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

// settlement 汇总结算方式及其附属资源。
type settlement struct {
	settler       payment.Settler
	balances      payment.BalanceSource
	chains        *provider.Registry
	tokenContract string
	network       string
}

func (s settlement) Close() {
	if s.chains != nil {
		s.chains.Close()
	}
}

func buildSettlement(ctx context.Context, cfg *config.Config, box *secrets.Box) (settlement, error) {
	if cfg.Payment.Mode != "onchain" {
		return settlement{
			settler:       payment.NewSimulatedSettler(nil),
			tokenContract: cfg.Payment.TokenContract,
			network:       "simulated",
		}, nil
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return settlement{}, err
	}
	client, def, err := chains.Resolve(cfg.Payment.Chain)
	if err != nil {
		chains.Close()
		return settlement{}, err
	}
	contract := cfg.Payment.TokenContract
	if contract == "" {
		contract = def.TokenContract
	}
	settler, err := ethereum.NewSettler(client, box, ethereum.SettlerConfig{
		TokenContract: contract,
		Decimals:      cfg.Payment.TokenDecimals,
		GasLimit:      cfg.Payment.GasLimit,
	}, logger.Named("settlement"))
	if err != nil {
		chains.Close()
		return settlement{}, err
	}
	network := cfg.Payment.Chain
	if network == "" {
		network = cfg.Web3.DefaultChain
	}
	return settlement{
		settler:       settler,
		balances:      settler,
		chains:        chains,
		tokenContract: contract,
		network:       network,
	}, nil
}

// issueToken 为开发环境签发访问令牌。
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	account := fs.Int64("account", 0, "账户 ID")
	email := fs.String("email", "", "账户邮箱")
	admin := fs.Bool("admin", false, "是否授予管理员声明")
	ttl := fs.Duration("ttl", 24*time.Hour, "令牌有效期")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	svc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := svc.Issue(auth.Subject{AccountID: *account, Email: *email, Admin: *admin}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// seal 用配置中的密钥加密凭证，输出可写入账户记录的密文。
func seal(args []string) error {
	if len(args) != 1 {
		return errors.New("用法: stabletoold seal <plaintext>")
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	box := secrets.New(cfg.Secrets.Key)
	if !box.Enabled() {
		return errors.New("未配置 secrets.key，无法加密")
	}
	sealed, err := box.Seal(args[0])
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
