// Command lwm2m-client is a minimal LwM2M device simulator: it registers
// with a server, serves a Device object (/3/0) and a toy temperature
// sensor (/3303/0/5700) out of an in-memory object store, and nudges the
// sensor value on a timer so Observe subscribers see notifications.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wakaama-go/lwm2m"
	"github.com/wakaama-go/lwm2m/clientrole"
	"github.com/wakaama-go/lwm2m/objectstore"
	"github.com/wakaama-go/lwm2m/transport/udp"
)

var (
	listenAddr = flag.String("listen", ":0", "UDP address to listen on")
	serverAddr = flag.String("server", "127.0.0.1:5683", "Server address to register with")
	endpoint   = flag.String("endpoint", "urn:imei:000000000000001", "LwM2M endpoint client name")
	lifetime   = flag.Int("lifetime", 300, "Registration lifetime in seconds")
)

func main() {
	flag.Parse()
	log := logrus.New()

	tr, err := udp.Listen(*listenAddr, loggerAdapter{log})
	if err != nil {
		log.WithError(err).Fatal("failed to open UDP socket")
	}
	defer tr.Close()

	store := objectstore.NewMemory()
	seedDeviceObject(store)
	tempURI := lwm2m.URI{
		Flag:       lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID,
		ObjectID:   3303,
		InstanceID: 0,
		ResourceID: 5700,
	}
	store.PutResource(tempURI, []byte("21.0"), nil)

	client := clientrole.Init(*endpoint, tr.Send, store, lwm2m.WithLogger(loggerAdapter{log}))

	serverUDPAddr, err := parseAddr(*serverAddr)
	if err != nil {
		log.WithError(err).Fatal("bad server address")
	}
	session := tr.SessionFor(serverUDPAddr)

	go func() {
		if err := client.Register(session, *lifetime, func(code lwm2m.Code, loc []string) {
			log.WithField("code", code.String()).WithField("location", loc).Info("registration result")
		}); err != nil {
			log.WithError(err).Error("failed to send registration")
		}
	}()

	go tickTemperature(client, store, tempURI)
	go stepLoop(client)

	if err := tr.Serve(client); err != nil {
		log.WithError(err).Fatal("serve loop exited")
	}
}

func tickTemperature(client *clientrole.Client, store *objectstore.Memory, uri lwm2m.URI) {
	t := 21.0
	for range time.Tick(10 * time.Second) {
		t += 0.1
		store.PutResource(uri, []byte(fmt.Sprintf("%.1f", t)), nil)
		client.ResourceValueChanged(uri)
	}
}

func stepLoop(client *clientrole.Client) {
	for range time.Tick(time.Second) {
		client.Step(time.Now())
	}
}

func seedDeviceObject(store *objectstore.Memory) {
	base := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID, ObjectID: 3, InstanceID: 0}
	manufacturer, model := base, base
	manufacturer.ResourceID = 0
	model.ResourceID = 1
	store.PutResource(manufacturer, []byte("Nordic Semiconductor"), nil)
	store.PutResource(model, []byte("Thingy:91"), nil)
}

func parseAddr(s string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", s)
}

type loggerAdapter struct {
	log *logrus.Logger
}

func (l loggerAdapter) Printf(format string, v ...interface{}) {
	l.log.Printf(format, v...)
}

func init() {
	if os.Getenv("LWM2M_CLIENT_VERBOSE") == "1" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}
