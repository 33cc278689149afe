package chamfer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// defaultHypothesisID names results of hypotheses that carry no ID
const defaultHypothesisID = "default"

// ResultPublisher publishes likelihood results to MQTT: each result on
// <prefix>/likelihood/<hypothesisId>, and the latest result of every
// hypothesis together on <prefix>/likelihood.
type ResultPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]ScoreRecord
	mu            sync.RWMutex
}

// NewResultPublisher creates a publisher. A nil client disables publishing.
func NewResultPublisher(client mqtt.Client, prefix string) *ResultPublisher {
	if prefix == "" {
		prefix = "chamferlik"
	}
	return &ResultPublisher{
		client:        client,
		publishPrefix: prefix,
		retain:        true,
		latest:        make(map[string]ScoreRecord),
	}
}

// Publish sends one result on its own topic and refreshes the combined one
func (p *ResultPublisher) Publish(rec ScoreRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("%w: MQTT client not connected", ErrResourceUnavailable)
	}
	id := rec.HypothesisID
	if id == "" {
		id = defaultHypothesisID
	}

	p.mu.Lock()
	p.latest[id] = rec
	p.mu.Unlock()

	if err := p.publishJSON(fmt.Sprintf("%s/likelihood/%s", p.publishPrefix, id), rec); err != nil {
		Logger().Warn("publishing result failed", "hypothesis", id, "error", err)
		return err
	}
	if err := p.publishCombined(); err != nil {
		Logger().Warn("publishing combined results failed", "error", err)
		return err
	}
	Logger().Debug("result published", "hypothesis", id, "value", rec.Result.Value(), "frame", rec.FrameID)
	return nil
}

// PublishFeature publishes a scored hypothesis as a GeoJSON feature on
// <prefix>/likelihood/<hypothesisId>/geojson
func (p *ResultPublisher) PublishFeature(h *Hypothesis, rec ScoreRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("%w: MQTT client not connected", ErrResourceUnavailable)
	}
	id := h.ID
	if id == "" {
		id = defaultHypothesisID
	}
	return p.publishJSON(fmt.Sprintf("%s/likelihood/%s/geojson", p.publishPrefix, id),
		ResultFeature(h, rec.Result, rec.FrameID))
}

func (p *ResultPublisher) publishCombined() error {
	p.mu.RLock()
	ids := make([]string, 0, len(p.latest))
	for id := range p.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	results := make([]ScoreRecord, 0, len(ids))
	for _, id := range ids {
		results = append(results, p.latest[id])
	}
	p.mu.RUnlock()

	message := map[string]any{
		"results":   results,
		"timestamp": time.Now().Unix(),
	}
	return p.publishJSON(p.publishPrefix+"/likelihood", message)
}

func (p *ResultPublisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the last published result of a hypothesis
func (p *ResultPublisher) Latest(hypothesisID string) (ScoreRecord, bool) {
	if hypothesisID == "" {
		hypothesisID = defaultHypothesisID
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.latest[hypothesisID]
	return rec, ok
}

// Forget drops the stored result of a hypothesis
func (p *ResultPublisher) Forget(hypothesisID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.latest, hypothesisID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ResultPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *ResultPublisher) SetRetain(retain bool) {
	p.retain = retain
}
