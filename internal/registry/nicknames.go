package registry

// nicknames maps common English diminutives to a canonical given name. Keys
// and values are in normalized form. The table is deliberately conservative;
// an unlisted pair simply produces two characters the user can merge.
var nicknames = map[string]string{
	"abby":   "abigail",
	"alex":   "alexander",
	"andy":   "andrew",
	"ben":    "benjamin",
	"benny":  "benjamin",
	"beth":   "elizabeth",
	"betty":  "elizabeth",
	"bill":   "william",
	"billy":  "william",
	"bob":    "robert",
	"bobby":  "robert",
	"chris":  "christopher",
	"dan":    "daniel",
	"danny":  "daniel",
	"dave":   "david",
	"davy":   "david",
	"dick":   "richard",
	"drew":   "andrew",
	"ed":     "edward",
	"eddie":  "edward",
	"ellie":  "eleanor",
	"fred":   "frederick",
	"greg":   "gregory",
	"harry":  "henry",
	"jack":   "john",
	"jamie":  "james",
	"jim":    "james",
	"jimmy":  "james",
	"joe":    "joseph",
	"joey":   "joseph",
	"johnny": "john",
	"josh":   "joshua",
	"kate":   "katherine",
	"kathy":  "katherine",
	"katie":  "katherine",
	"liz":    "elizabeth",
	"maggie": "margaret",
	"matt":   "matthew",
	"meg":    "margaret",
	"mike":   "michael",
	"ned":    "edward",
	"nick":   "nicholas",
	"pat":    "patrick",
	"peggy":  "margaret",
	"rick":   "richard",
	"rob":    "robert",
	"ron":    "ronald",
	"sam":    "samuel",
	"steve":  "steven",
	"sue":    "susan",
	"ted":    "edward",
	"tim":    "timothy",
	"tom":    "thomas",
	"tommy":  "thomas",
	"tony":   "anthony",
	"vicky":  "victoria",
	"will":   "william",
	"zach":   "zachary",
}
