package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/redis/go-redis/v9"
)

func redisKey(cfg config.CacheConfig, key string) string {
	if cfg.RedisPrefix == "" {
		return key
	}
	return cfg.RedisPrefix + ":" + key
}

// campaignDefinition is the immutable part of a campaign, cached in redis.
// Status is not cached: pause state is always read from the database.
type campaignDefinition struct {
	ID    uint                  `json:"id"`
	Name  string                `json:"name"`
	Steps []models.CampaignStep `json:"steps"`
}

// StepCache serves campaign step definitions from redis and falls back to the database.
// A nil redis client disables caching.
type StepCache struct {
	campaignRepo repository.CampaignRepository
	rc           *redis.Client
	cfg          config.CacheConfig
	logger       *slog.Logger
}

func NewStepCache(campaignRepo repository.CampaignRepository, rc *redis.Client, cfg config.CacheConfig, logger *slog.Logger) *StepCache {
	return &StepCache{campaignRepo: campaignRepo, rc: rc, cfg: cfg, logger: logger}
}

func (c *StepCache) key(campaignID uint) string {
	return redisKey(c.cfg, utils.CampaignStepsCacheKey+strconv.FormatUint(uint64(campaignID), 10))
}

// Load returns the campaign definition, or ErrCampaignNotFound
func (c *StepCache) Load(ctx context.Context, campaignID uint) (*campaignDefinition, error) {
	if c.rc != nil {
		bs, err := c.rc.Get(ctx, c.key(campaignID)).Bytes()
		switch {
		case err == nil:
			var def campaignDefinition
			if err := json.Unmarshal(bs, &def); err == nil {
				return &def, nil
			}
		case !errors.Is(err, redis.Nil):
			c.logger.WarnContext(ctx, "step cache read failed", "campaign_id", campaignID, "error", err)
		}
	}

	campaign, err := c.campaignRepo.ByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %d: %w", campaignID, err)
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}
	steps := campaign.Steps
	if steps == nil {
		if steps, err = c.campaignRepo.StepsByCampaign(ctx, campaignID); err != nil {
			return nil, fmt.Errorf("failed to load steps of campaign %d: %w", campaignID, err)
		}
	}
	def := &campaignDefinition{ID: campaign.ID, Name: campaign.Name, Steps: steps}

	if c.rc != nil {
		if bs, err := json.Marshal(def); err == nil {
			ttl := c.cfg.DefaultTTL
			if ttl <= 0 {
				ttl = 10 * time.Minute
			}
			if err := c.rc.Set(ctx, c.key(campaignID), bs, ttl).Err(); err != nil {
				c.logger.WarnContext(ctx, "step cache write failed", "campaign_id", campaignID, "error", err)
			}
		}
	}
	return def, nil
}
