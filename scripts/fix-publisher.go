package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/flybeeper/track-recorder/internal/geo"
	"github.com/flybeeper/track-recorder/internal/models"
	recordermqtt "github.com/flybeeper/track-recorder/internal/mqtt"
)

// PublisherConfig параметры симуляции провайдера локации
type PublisherConfig struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	DeviceID    string
	Rate        time.Duration
	MaxMessages int
	StartLat    float64
	StartLon    float64
	SpeedKmh    float64
	BadAccuracy float64 // Доля фиксов с плохой точностью
	Jitter      float64 // Доля фиксов, стоящих на месте (дрожание GPS)
	Seed        int64
}

// deviceState положение симулируемого устройства
type deviceState struct {
	lat     float64
	lon     float64
	alt     float64
	heading float64
}

func main() {
	var (
		brokerURL = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
		clientID  = flag.String("client", "track-fix-publisher", "MQTT client ID")
		prefix    = flag.String("prefix", "tracker", "Topic prefix")
		deviceID  = flag.String("device", "phone-1", "Device ID")
		rate      = flag.Duration("rate", time.Second, "Publish rate")
		max       = flag.Int("max", 0, "Max messages (0 = unlimited)")
		lat       = flag.Float64("lat", 46.0, "Start latitude")
		lon       = flag.Float64("lon", 8.0, "Start longitude")
		speed     = flag.Float64("speed", 5.0, "Movement speed km/h")
		bad       = flag.Float64("bad", 0.1, "Share of fixes with poor accuracy")
		jitter    = flag.Float64("jitter", 0.1, "Share of stationary fixes")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	)
	flag.Parse()

	cfg := &PublisherConfig{
		BrokerURL:   *brokerURL,
		ClientID:    *clientID,
		TopicPrefix: *prefix,
		DeviceID:    *deviceID,
		Rate:        *rate,
		MaxMessages: *max,
		StartLat:    *lat,
		StartLon:    *lon,
		SpeedKmh:    *speed,
		BadAccuracy: *bad,
		Jitter:      *jitter,
		Seed:        *seed,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", token.Error())
	}
	defer client.Disconnect(250)

	log.Printf("Connected to %s, publishing to %s", cfg.BrokerURL, recordermqtt.FixTopic(cfg.TopicPrefix, cfg.DeviceID))

	publish(client, recordermqtt.StatusTopic(cfg.TopicPrefix, cfg.DeviceID), []byte(`{"available":true}`))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	rnd := rand.New(rand.NewSource(cfg.Seed))
	state := &deviceState{lat: cfg.StartLat, lon: cfg.StartLon, alt: 400, heading: rnd.Float64() * 360}
	ticker := time.NewTicker(cfg.Rate)
	defer ticker.Stop()

	var (
		sent     int
		traveled float64
		prev     = models.GeoPoint{Latitude: state.lat, Longitude: state.lon}
	)
	for {
		select {
		case <-sigChan:
			log.Printf("Stopped after %d fixes, traveled %s", sent, geo.FormatDistance(traveled))
			return
		case <-ticker.C:
		}

		fix := nextFix(rnd, state, cfg)
		payload, err := recordermqtt.EncodeFix(fix)
		if err != nil {
			log.Printf("Failed to encode fix: %v", err)
			continue
		}
		publish(client, recordermqtt.FixTopic(cfg.TopicPrefix, cfg.DeviceID), payload)

		traveled += geo.Distance(prev, fix.Position())
		prev = fix.Position()
		sent++

		if sent%10 == 0 {
			fmt.Printf("sent=%d traveled=%s position=%s\n", sent, geo.FormatDistance(traveled), fix.Position())
		}
		if cfg.MaxMessages > 0 && sent >= cfg.MaxMessages {
			log.Printf("Reached max messages: %d", sent)
			return
		}
	}
}

// nextFix сдвигает устройство и строит фикс. Часть фиксов намеренно плохие:
// их должна отсечь политика записи.
func nextFix(rnd *rand.Rand, state *deviceState, cfg *PublisherConfig) models.Fix {
	accuracy := 3 + rnd.Float64()*7
	if rnd.Float64() < cfg.BadAccuracy {
		accuracy = 80 + rnd.Float64()*100
	}

	if rnd.Float64() >= cfg.Jitter {
		step := cfg.SpeedKmh / 3.6 * cfg.Rate.Seconds()
		state.heading = math.Mod(state.heading+rnd.NormFloat64()*10+360, 360)
		rad := state.heading * math.Pi / 180
		state.lat += step * math.Cos(rad) / 111_195
		state.lon += step * math.Sin(rad) / (111_195 * math.Cos(state.lat*math.Pi/180))
		state.alt += rnd.NormFloat64()
	}

	return models.Fix{
		Latitude:  state.lat,
		Longitude: state.lon,
		Altitude:  models.Float64(state.alt),
		Speed:     models.Float64(cfg.SpeedKmh / 3.6),
		Bearing:   models.Float64(state.heading),
		Accuracy:  models.Float64(accuracy),
		Timestamp: time.Now().UTC(),
	}
}

func publish(client mqtt.Client, topic string, payload []byte) {
	token := client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		log.Printf("Failed to publish to %s: %v", topic, token.Error())
	}
}
