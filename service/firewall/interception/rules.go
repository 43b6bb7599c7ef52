package interception

import (
	"fmt"
	"strconv"
	"strings"
)

const ingestChain = "PORTGUARD-INGEST"

// queueSpec describes a queue and the interface it watches.
type queueSpec struct {
	id uint16
	// iface is empty for all interfaces.
	iface string
}

func (qs queueSpec) name() string {
	if qs.iface == "" {
		return fmt.Sprintf("nfqueue %d", qs.id)
	}
	return fmt.Sprintf("%s (nfqueue %d)", qs.iface, qs.id)
}

// queueSpecs assigns consecutive queue numbers to the interfaces.
func queueSpecs(queueBase uint16, interfaces []string) []queueSpec {
	if len(interfaces) == 0 {
		return []queueSpec{{id: queueBase}}
	}
	specs := make([]queueSpec, 0, len(interfaces))
	for i, iface := range interfaces {
		specs = append(specs, queueSpec{id: queueBase + uint16(i), iface: iface})
	}
	return specs
}

// ruleSet returns the chains, the chain rules and the rules inserted once
// into the builtin chains, in the "table chain rulespec..." format.
// Only segments that do not belong to an established connection are
// queued. The queue is bypassed when no reader is attached.
func ruleSet(queues []queueSpec) (chains, rules, once []string) {
	chains = []string{"mangle " + ingestChain}
	for _, qs := range queues {
		rule := []string{"mangle", ingestChain}
		if qs.iface != "" {
			rule = append(rule, "-i", qs.iface)
		}
		rule = append(rule,
			"-p", "tcp",
			"-m", "conntrack", "--ctstate", "NEW,INVALID",
			"-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(qs.id)), "--queue-bypass",
		)
		rules = append(rules, strings.Join(rule, " "))
	}
	once = []string{"mangle INPUT -j " + ingestChain}
	return chains, rules, once
}
