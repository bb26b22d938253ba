// Command lwm2m-server is a minimal LwM2M management server: it accepts
// client registrations over UDP and periodically reads the temperature
// resource (/3303/0/5700) off every registered client, logging the result.
package main

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wakaama-go/lwm2m"
	"github.com/wakaama-go/lwm2m/serverrole"
	"github.com/wakaama-go/lwm2m/transport/udp"
)

var listenAddr = flag.String("listen", ":5683", "UDP address to listen on")

func main() {
	flag.Parse()
	log := logrus.New()

	tr, err := udp.Listen(*listenAddr, loggerAdapter{log})
	if err != nil {
		log.WithError(err).Fatal("failed to open UDP socket")
	}
	defer tr.Close()

	server := serverrole.Init(tr.Send, lwm2m.WithLogger(loggerAdapter{log}))

	server.SetRegistrationCallback(func(ev serverrole.RegistrationEvent) {
		log.WithField("endpoint", ev.EndpointName).
			WithField("location", ev.Location).
			WithField("kind", ev.Kind).
			Info("registration event")

		if ev.Kind == serverrole.Registered {
			go pollTemperature(server, ev.Peer, log)
		}
	})

	go stepLoop(server)

	if err := tr.Serve(server); err != nil {
		log.WithError(err).Fatal("serve loop exited")
	}
}

var tempURI = lwm2m.URI{
	Flag:       lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID,
	ObjectID:   3303,
	InstanceID: 0,
	ResourceID: 5700,
}

func pollTemperature(server *serverrole.Server, peer lwm2m.PeerID, log *logrus.Logger) {
	for range time.Tick(30 * time.Second) {
		err := server.Read(peer, tempURI, func(msg *lwm2m.Message) {
			if msg == nil {
				log.Warn("temperature read abandoned without a response")
				return
			}
			log.WithField("code", msg.Code.String()).
				WithField("payload", string(msg.Payload)).
				Info("temperature read result")
		})
		if err != nil {
			log.WithError(err).Warn("temperature read failed, dropping poller")
			return
		}
	}
}

func stepLoop(server *serverrole.Server) {
	for range time.Tick(time.Second) {
		server.Step(time.Now())
	}
}

type loggerAdapter struct {
	log *logrus.Logger
}

func (l loggerAdapter) Printf(format string, v ...interface{}) {
	l.log.Printf(format, v...)
}
