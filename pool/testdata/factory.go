package sample

import "github.com/ZenLiuCN/linkmap/pool"

type proto struct {
	name string
}

func (p proto) Name() string {
	return p.name
}

func (p proto) Action() string {
	return p.name
}

func NewFactory(name string) pool.Proto {
	return proto{name: name}
}
