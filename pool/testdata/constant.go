package sample

import "github.com/ZenLiuCN/linkmap/pool"

//go:generate go run github.com/ZenLiuCN/linkmap/inspect compile constant.go factory.go
type constProto struct {
	name string
}

func (p constProto) Name() string {
	return p.name
}

func (p constProto) Action() string {
	return p.name
}

var (
	Consted pool.Proto
)

func init() {
	Consted = constProto{name: "constant"}
}

func Const() pool.Proto {
	return Consted
}

func Run() string {
	return "run"
}
