package httpapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const maxTrackedMembers = 10000

// memberLimiter throttles metered routes per account.
type memberLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newMemberLimiter(perSecond float64, burst int) *memberLimiter {
	return &memberLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (limiter *memberLimiter) allow(key string) bool {
	limiter.mutex.Lock()
	member, exists := limiter.limiters[key]
	if !exists {
		if len(limiter.limiters) >= maxTrackedMembers {
			limiter.limiters = make(map[string]*rate.Limiter)
		}
		member = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limiters[key] = member
	}
	limiter.mutex.Unlock()
	return member.Allow()
}

func (limiter *memberLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		key := accountKey(ctx).String()
		if key == "" {
			key = ctx.ClientIP()
		}
		if !limiter.allow(key) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many generation requests"))
			return
		}
		ctx.Next()
	}
}
