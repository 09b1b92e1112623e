package names

// Nicknames resolves a normalized name to the other members of its
// common-nickname cluster ("robert" -> ["bob", "rob"] and vice versa).
// Injectable so tests can substitute a controlled table.
type Nicknames interface {
	Clusters(normalized string) []string
}

// ClusterTable is a Nicknames backed by a static cluster list. The zero
// value resolves nothing.
type ClusterTable struct {
	byName map[string][]string
}

// NewClusterTable indexes the given clusters bidirectionally: looking up any
// member returns every other member of every cluster it appears in.
func NewClusterTable(clusters [][]string) *ClusterTable {
	t := &ClusterTable{byName: make(map[string][]string)}
	for _, cluster := range clusters {
		for _, name := range cluster {
			for _, other := range cluster {
				if other != name {
					t.byName[name] = append(t.byName[name], other)
				}
			}
		}
	}
	return t
}

func (t *ClusterTable) Clusters(normalized string) []string {
	if t == nil || t.byName == nil {
		return nil
	}
	return t.byName[normalized]
}

// commonNicknameClusters is a small built-in slice of the usual English
// nickname groups. Hosts with richer data inject their own table.
var commonNicknameClusters = [][]string{
	{"albert", "al", "bert"},
	{"alexander", "alex", "sasha"},
	{"andrew", "andy", "drew"},
	{"anthony", "tony"},
	{"barbara", "barb", "babs"},
	{"catherine", "katherine", "cathy", "kathy", "kate", "katie"},
	{"charles", "charlie", "chuck"},
	{"christopher", "chris", "topher"},
	{"daniel", "dan", "danny"},
	{"deborah", "debbie", "deb"},
	{"edward", "ed", "eddie", "ted", "ned"},
	{"elizabeth", "liz", "beth", "betsy", "betty"},
	{"henry", "hank", "harry"},
	{"james", "jim", "jimmy", "jamie"},
	{"jennifer", "jen", "jenny"},
	{"john", "jack", "johnny"},
	{"jonathan", "jon"},
	{"joseph", "joe", "joey"},
	{"katherine", "kat"},
	{"margaret", "maggie", "meg", "peggy"},
	{"matthew", "matt"},
	{"michael", "mike", "mick", "mickey"},
	{"nicholas", "nick"},
	{"patricia", "pat", "patty", "tricia"},
	{"peter", "pete"},
	{"richard", "rick", "dick", "richie"},
	{"robert", "bob", "rob", "bobby", "robbie"},
	{"samuel", "sam", "sammy"},
	{"stephen", "steven", "steve"},
	{"susan", "sue", "susie"},
	{"theodore", "ted", "teddy"},
	{"thomas", "tom", "tommy"},
	{"william", "bill", "will", "billy", "willie"},
}

// CommonNicknames returns the built-in cluster table.
func CommonNicknames() *ClusterTable { return NewClusterTable(commonNicknameClusters) }
