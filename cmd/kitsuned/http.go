package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/config"
	"github.com/kitsune-fed/kitsune/federation"
	"github.com/kitsune-fed/kitsune/util"
	"github.com/kitsune-fed/kitsune/web"
)

// localActorResolver maps an inbox path's :actor segment to the owning
// local account's id; main.go binds it to store.AccountStore.FindByUsername
// since remote-facing federation.AccountRepo only resolves by URL.
type localActorResolver func(ctx context.Context, username string) (uuid.UUID, error)

// newRouter builds the gin engine exposing the single in-scope surface: the
// per-user inbox (§4.8), signature-verified before being handed to the
// Dispatcher. Grounded on web/router.go's gzip+rate-limit engine
// construction, narrowed to the federation core's responsibility.
func newRouter(conf *config.AppConfig, dispatcher *federation.Dispatcher, fetcher federation.Fetcher, resolveLocalActor localActorResolver) *gin.Engine {
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	inboxLimiter := web.NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := web.MaxBytesMiddleware(int64(conf.Conf.MaxBodyBytes))

	g.POST("/users/:actor/inbox", web.RateLimitMiddleware(inboxLimiter), maxBodySize, func(c *gin.Context) {
		actor := c.Param("actor")

		actorURI, err := federation.VerifySignature(c.Request.Context(), c.Request, fetcher)
		if err != nil {
			log.Printf("inbox: signature verification failed for %s: %v", actor, err)
			c.Status(http.StatusUnauthorized)
			return
		}

		targetAccountId, err := resolveLocalActor(c.Request.Context(), actor)
		if err != nil {
			log.Printf("inbox: unknown local actor %s: %v", actor, err)
			c.Status(http.StatusNotFound)
			return
		}

		if err := dispatcher.HandleInbox(c.Request.Context(), targetAccountId, actorURI, c.Request.Body); err != nil {
			log.Printf("inbox: dispatch error for %s: %v", actor, err)
			c.Status(http.StatusBadRequest)
			return
		}

		c.Status(http.StatusAccepted)
	})

	return g
}

func listenAddr(conf *config.AppConfig) string {
	return fmt.Sprintf(":%d", conf.Conf.HttpPort)
}
