package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nothing4You/lemmy/activitypub"
	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/Nothing4You/lemmy/util"
	"github.com/Nothing4You/lemmy/web"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// receivedActivityRetention is how long inbound activity ids are kept for
// duplicate detection. Peers redeliver on short timescales; a week of ledger
// is enough.
const receivedActivityRetention = 7 * 24 * time.Hour

const pruneInterval = time.Hour

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	logger, err := util.NewLogger(conf.Conf.Debug)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()

	if !conf.Conf.Debug {
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger.Debug("effective configuration", zap.String("conf", util.PrettyPrint(conf)))
	}

	logger.Info("starting",
		zap.String("version", util.GetVersion()),
		zap.String("domain", conf.Conf.Domain),
		zap.Bool("federation", conf.Conf.Federation))

	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath), logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	if err := bootstrapAdmin(ctx, database, conf, logger); err != nil {
		logger.Fatal("failed to bootstrap admin account", zap.Error(err))
	}

	metrics := activitypub.NewMetrics(nil)
	transport := activitypub.NewHTTPTransport()
	fetcher := activitypub.NewFetcher(database, transport, conf, metrics, logger)
	pipeline := activitypub.NewPipeline(database, fetcher, activitypub.NewVerifier(database), metrics, logger)
	resolver := activitypub.NewResolver(database, fetcher, conf, logger)

	dispatcher := activitypub.NewDispatcher(database, transport, conf, metrics, logger)
	dispatcher.Start(ctx)

	go pruneLoop(ctx, database, logger)

	server := &web.Server{
		Db:         database,
		Conf:       conf,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Resolver:   resolver,
		Fetcher:    fetcher,
		Log:        logger,
	}
	if err := server.Run(ctx); err != nil {
		logger.Error("http server failed", zap.Error(err))
	}

	logger.Info("shutting down")
	dispatcher.Wait()
}

// bootstrapAdmin creates the initial admin account when no local user exists
// yet. The API token is logged once; only its hash is stored.
func bootstrapAdmin(ctx context.Context, database *db.DB, conf *util.AppConfig, logger *zap.Logger) error {
	exists, err := database.HasLocalUsers(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	keys := util.GeneratePemKeypair()
	person := &domain.Person{
		Username:      "admin",
		Domain:        conf.Conf.Domain,
		ActorURI:      conf.PersonURI("admin"),
		InboxURI:      conf.PersonURI("admin") + "/inbox",
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		Local:         true,
	}
	if err := database.CreatePerson(ctx, person); err != nil {
		return err
	}

	token := util.NewApiToken()
	user := &domain.LocalUser{
		PersonId:  person.Id,
		Admin:     true,
		TokenHash: util.ApiTokenHash(token),
	}
	if err := database.CreateLocalUser(ctx, user); err != nil {
		return err
	}

	logger.Info("created admin account, the token is shown only this once",
		zap.String("username", person.Username),
		zap.String("token", token))
	return nil
}

func pruneLoop(ctx context.Context, database *db.DB, logger *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := database.PruneReceivedActivities(ctx, time.Now().Add(-receivedActivityRetention)); err != nil {
				logger.Warn("failed to prune received activities", zap.Error(err))
			}
		}
	}
}
