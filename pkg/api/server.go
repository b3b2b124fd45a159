package api

import (
	"context"
	"math/rand"
	"net/http"

	"socialmedia/pkg/services"
	"socialmedia/pkg/utils"

	"github.com/ServiceWeaver/weaver"
)

type serverOptions struct {
	AdminIDs []int64 `toml:"admin_ids"`
}

type server struct {
	weaver.Implements[weaver.Main]
	weaver.WithConfig[serverOptions]
	userService        weaver.Ref[services.UserService]
	socialGraphService weaver.Ref[services.SocialGraphService]
	reactionService    weaver.Ref[services.ReactionService]
	reconcilerService  weaver.Ref[services.ReconcilerService]
	lis                weaver.Listener `weaver:"api"`
}

func Serve(ctx context.Context, s *server) error {
	logger := s.Logger(ctx)
	region, err := utils.Region()
	if err != nil {
		logger.Error(err.Error())
		return err
	}

	if len(s.Config().AdminIDs) == 0 {
		logger.Warn("no admin ids configured, reconciliation endpoint is disabled")
	}
	h := &handlers{
		users:      s.userService.Get(),
		graph:      s.socialGraphService.Get(),
		reactions:  s.reactionService.Get(),
		reconciler: s.reconcilerService.Get(),
		logger:     logger,
		region:     region,
		reqID:      rand.Int63,
		admins:     adminSet(s.Config().AdminIDs),
	}
	router := newRouter(h, instrument)
	logger.Info("api available", "addr", s.lis, "region", region)
	return http.Serve(s.lis, router)
}

func instrument(label string, fn http.HandlerFunc) http.Handler {
	return weaver.InstrumentHandlerFunc(label, fn)
}

func adminSet(ids []int64) map[int64]bool {
	admins := make(map[int64]bool, len(ids))
	for _, id := range ids {
		admins[id] = true
	}
	return admins
}
