package encore

// The status publisher: a ZMQ PUB socket on Ports.Status where Encore
// reports session and stream state as two-frame messages [tag, JSON body].
// Anything in the process queues updates with queueClientUpdate; one
// goroutine owns the socket.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"

	"github.com/usnistgov/encore/internal/unboundedchan"
)

// ClientUpdate carries one message for the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

var clientUpdates *unboundedchan.UnboundedChannel[ClientUpdate]

func init() {
	clientUpdates = unboundedchan.NewUnboundedChannel[ClientUpdate]()
}

// queueClientUpdate schedules a status message for publication. The queue is
// unbounded, so workers and RPC handlers never block on a slow subscriber.
func queueClientUpdate(tag string, state interface{}) {
	clientUpdates.In() <- ClientUpdate{tag: tag, state: state}
}

func publish(pubSocket *zmq.Socket, tag string, message []byte) {
	pubSocket.SendBytes([]byte(tag), zmq.SNDMORE)
	pubSocket.SendBytes(message, 0)
}

// Tags that describe a moment rather than configuration worth restoring.
// They are published but never saved to the config file.
var transientTags = map[string]bool{
	"STATUS":     true,
	"STREAMS":    true,
	"STREAMDONE": true,
	"ALLDONE":    true,
	"SINKFAIL":   true,
}

// RunClientUpdater publishes queued status messages on the status port until
// abort closes. It re-broadcasts the latest message of every tag every 2
// seconds so late subscribers catch up, and saves the configuration to the
// standard file shortly after it changes.
func RunClientUpdater(portstatus int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status socket: %s", err)
		return
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(100 * time.Millisecond)
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status socket to %s: %s", hostname, err)
		return
	}

	broadcastTicker := time.NewTicker(2 * time.Second)
	defer broadcastTicker.Stop()

	// Save the configuration after changes settle, not on every change.
	saveDelayAfterChange := 2 * time.Second
	saveConfigTimer := time.NewTimer(saveDelayAfterChange)
	if !saveConfigTimer.Stop() {
		<-saveConfigTimer.C
	}
	defer saveConfigTimer.Stop()

	lastMessages := make(map[string]interface{})
	lastMessageStrings := make(map[string][]byte)

	for {
		select {
		case <-abort:
			return

		case update := <-clientUpdates.Out():
			if update.tag == "SENDALL" {
				for tag, message := range lastMessageStrings {
					publish(pubSocket, tag, message)
				}
				continue
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not marshal %s update: %s", update.tag, err)
				continue
			}
			UpdateLogger.Printf("Publish %-10s %s\n", update.tag, message)
			publish(pubSocket, update.tag, message)
			lastMessages[update.tag] = update.state
			lastMessageStrings[update.tag] = message
			if !transientTags[update.tag] {
				saveConfigTimer.Reset(saveDelayAfterChange)
			}

		case <-broadcastTicker.C:
			for tag, message := range lastMessageStrings {
				publish(pubSocket, tag, message)
			}

		case <-saveConfigTimer.C:
			saveConfig(lastMessages)
		}
	}
}

// saveConfig stores the latest non-transient state to the standard config
// file, writing a temporary file first so a crash cannot truncate it.
func saveConfig(lastMessages map[string]interface{}) {
	viper.Set("currenttime", time.Now().Format(time.UnixDate))
	for tag, state := range lastMessages {
		if !transientTags[tag] {
			viper.Set(strings.ToLower(tag), state)
		}
	}
	mainname := viper.ConfigFileUsed()
	if mainname == "" {
		return
	}
	tmpname := tempConfigName(mainname)
	if err := viper.WriteConfigAs(tmpname); err != nil {
		ProblemLogger.Printf("could not save config file %s: %s", tmpname, err)
		return
	}
	if err := os.Rename(tmpname, mainname); err != nil {
		ProblemLogger.Printf("could not replace config file %s: %s", mainname, err)
	}
}

// tempConfigName names the scratch file for the atomic config rewrite. The
// config's own extension stays last, whatever it is, so WriteConfigAs picks
// the same encoder for the scratch file as for the real one.
func tempConfigName(mainname string) string {
	ext := filepath.Ext(mainname)
	return strings.TrimSuffix(mainname, ext) + ".tmp" + ext
}
