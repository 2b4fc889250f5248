package consul

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/llm"
	lapi "github.com/VetSecItPro/clarus-app-sub007/internal/pkg/llm/api"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/hashicorp/consul/api"
	"go.uber.org/multierr"
)

const (
	completionKey = "completionURL"
	modelKey      = "model"
	isHTTPSSLKey  = "HTTPSSL"
	priorityKey   = "priority"
)

// Provider keeps track of model completion services registered in consul
type Provider struct {
	consul  *api.Client
	srvName string
	apiKey  string

	lock  *sync.RWMutex
	comps []*compWrap
}

type compWrap struct {
	real     lapi.Completer
	srv      string
	key      string
	priority float64
}

// NewProvider creates consul based completer provider
func NewProvider(cfg *api.Config, srvNameInConsul, apiKey string) (*Provider, error) {
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if srvNameInConsul == "" {
		return nil, fmt.Errorf("no srv name")
	}
	return newProvider(c, srvNameInConsul, apiKey), nil
}

func newProvider(c *api.Client, srvNameInConsul, apiKey string) *Provider {
	goapp.Log.Info().Str("service", srvNameInConsul).Msg("cfg: srv name in consul")
	return &Provider{consul: c, srvName: srvNameInConsul, apiKey: apiKey,
		lock: &sync.RWMutex{}, comps: make([]*compWrap, 0)}
}

// Get returns a completer. With allowNew the same service is preferred,
// a random one is selected by priority otherwise.
func (c *Provider) Get(srv string, allowNew bool) (lapi.Completer, string, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if !allowNew {
		for _, t := range c.comps {
			if t.srv == srv {
				return t.real, t.srv, nil
			}
		}
		return nil, "", fmt.Errorf("no active srv `%s`", srv)
	}
	if len(c.comps) == 0 {
		return nil, "", fmt.Errorf("no registered completion service")
	}
	// try return same
	for _, t := range c.comps {
		if t.srv == srv {
			return t.real, t.srv, nil
		}
	}
	if len(c.comps) == 1 {
		t := c.comps[0]
		return t.real, t.srv, nil
	}
	// else random select by priority
	i, err := getRandomByPriority(c.comps)
	if err != nil {
		return nil, "", fmt.Errorf("can't select completer: %v", err)
	}
	if i < len(c.comps) {
		t := c.comps[i]
		return t.real, t.srv, nil
	}
	return nil, "", fmt.Errorf("no registered completion service")
}

func getRandomByPriority(wraps []*compWrap) (int, error) {
	prMax := 0.0
	for _, tr := range wraps {
		prMax += tr.priority
	}
	if prMax < 0.1 {
		return 0, fmt.Errorf("wrong priority sum found %f", prMax)
	}
	rnd := rand.Float64() * prMax
	prMax = 0.0
	for i, tr := range wraps {
		prMax += tr.priority
		if prMax > rnd {
			return i, nil
		}
	}
	return len(wraps), nil
}

func (c *Provider) StartRegistryLoop(ctx context.Context, checkInterval time.Duration) (<-chan struct{}, error) {
	goapp.Log.Info().Msgf("Starting consul service check every %v", checkInterval)
	res := make(chan struct{}, 2)
	go func() {
		defer close(res)
		c.serviceLoop(ctx, checkInterval)
	}()
	return res, nil
}

func (c *Provider) serviceLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	// run on startup
	if err := c.check(ctx); err != nil {
		goapp.Log.Error().Err(err).Send()
	}
	for {
		select {
		case <-ticker.C:
			if err := c.check(ctx); err != nil {
				goapp.Log.Error().Err(err).Send()
			}
		case <-ctx.Done():
			ticker.Stop()
			goapp.Log.Info().Msgf("Stopped consul timer service")
			return
		}
	}
}

func (c *Provider) check(ctx context.Context) error {
	ctxInt, cf := context.WithTimeout(ctx, time.Second*5)
	defer cf()
	srvs, _, err := c.consul.Health().Service(c.srvName, "", true, (&api.QueryOptions{}).WithContext(ctxInt))
	if err != nil {
		return fmt.Errorf("can't invoke consul: %v", err)
	}
	return c.updateSrv(srvs)
}

func (c *Provider) updateSrv(srvs []*api.ServiceEntry) error {
	goapp.Log.Info().Msgf("got %d services from consul", len(srvs))
	c.lock.Lock()
	defer c.lock.Unlock()
	ms := map[string]*api.ServiceEntry{}
	for _, s := range srvs {
		ms[key(s)] = s
	}
	kept := []*compWrap{}
	for _, s := range c.comps {
		if v, ok := ms[s.srv]; ok && s.key == fullKey(v) {
			kept = append(kept, s)
			delete(ms, s.srv)
			continue
		}
		goapp.Log.Warn().Str("service", s.srv).Msgf("dropped completer")
	}
	if len(kept) == len(c.comps) && len(ms) == 0 {
		return nil
	}
	c.comps = kept
	var err error
	for v, k := range ms {
		tr, errInt := c.newCompleter(v, k)
		if errInt != nil {
			err = multierr.Append(err, errInt)
			continue
		}
		c.comps = append(c.comps, tr)
		goapp.Log.Info().Str("service", v).Float64("priority", tr.priority).Msg("added completer")
	}
	return err
}

func (c *Provider) newCompleter(v string, s *api.ServiceEntry) (*compWrap, error) {
	cl, err := llm.NewClient(getURL(s, completionKey), c.apiKey, s.Service.Meta[modelKey])
	if err != nil {
		return nil, fmt.Errorf("can't init completer for %s: %v", v, err)
	}
	priority, err := getPriority(s)
	if err != nil {
		return nil, fmt.Errorf("can't init completer for %s: %v", v, err)
	}
	res := &compWrap{real: cl, srv: v, key: fullKey(s), priority: priority}
	return res, nil
}

func getPriority(s *api.ServiceEntry) (float64, error) {
	v, ok := s.Service.Meta[priorityKey]
	if !ok {
		return 1, nil
	}
	res, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse priority '%s': %v", v, err)
	}
	if res < 0.5 || res > 50 {
		return 0, fmt.Errorf("wrong priority value '%f', not in [0.5, 50]", res)
	}
	return res, nil
}

func getURL(s *api.ServiceEntry, key string) string {
	v, ok := s.Service.Meta[key]
	if !ok {
		return ""
	}
	ssl := ""
	if isSSL, ok := s.Service.Meta[isHTTPSSLKey]; ok {
		if boolValue, err := strconv.ParseBool(isSSL); err == nil && boolValue {
			ssl = "s"
		}
	}
	return fmt.Sprintf("http%s://%s:%d/%s", ssl, s.Service.Address, s.Service.Port, v)
}

func key(s *api.ServiceEntry) string {
	return fmt.Sprintf("%s:%d", s.Service.Address, s.Service.Port)
}

func fullKey(s *api.ServiceEntry) string {
	res := strings.Builder{}
	for _, key := range [...]string{completionKey, modelKey, isHTTPSSLKey, priorityKey} {
		v, ok := s.Service.Meta[key]
		if ok {
			res.WriteString(key + ":" + v + ",")
		}
	}
	return res.String()
}
