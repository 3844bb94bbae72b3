package core

var targetLabels = map[string]string{
	"coffee_ad":          "咖啡店",
	"coffee_ads":         "咖啡店",
	"hot_drink_ad":       "热饮/咖啡馆",
	"sunscreen_ad":       "药妆/防晒",
	"xigua_ad":           "果蔬/冷饮",
	"bingxigua_ad":       "冰品店",
	"sushi_ad":           "寿司/日料",
	"shousi_ad":          "寿司/日料",
	"shousi_guanggao":    "寿司/日料",
	"shou_si":            "寿司/日料",
	"shou_si_guang_gao":  "寿司/日料",
	"bbq_ad":             "BBQ/烧烤",
	"fish_chips_ad":      "炸鱼薯条",
	"pizza_ad":           "披萨",
	"asian_soup_ad":      "叻沙/拉面/河粉",
	"green_bean_soup_ad": "绿豆沙/糖水",
	"herbal_tea_ad":      "凉茶",
	"congee_ad":          "砂锅粥",
	"crayfish_ad":        "小龙虾",
	"dumplings_ad":       "饺子",
	"tangyuan_ad":        "汤圆",
	"bubble_tea_ad":      "奶茶",
	"cold_noodles_ad":    "冷面",
	"lamb_hotpot_ad":     "铜锅涮肉/羊汤",
	"iron_pot_stew_ad":   "铁锅炖",
	"hairy_crab_ad":      "大闸蟹",
	"vietnamese_ad":      "越南米纸卷/檬粉",
	"burger_ad":          "炸鸡排/汉堡/塔可",
	"default":            "咖啡馆",
}

var defaultPushMessages = map[string]string{
	"coffee_ad":          "Sunny day calls for a coffee. Take it outside. / 好天气，咖啡馆见。",
	"coffee_ads":         "Sunny day calls for a coffee. Take it outside. / 好天气，咖啡馆见。",
	"hot_drink_ad":       "Snowy day? Hot chocolate or a warming brew. / 雪天，热可可或热饮暖手又暖心。",
	"bingxigua_ad":       "Scorcher! Time for gelato, icy poles. / 酷暑来袭，冰品冷饮救赎。",
	"sushi_ad":           "Grey skies? Add some colour with a fresh Salmon Poke Bowl. / 多云天心情修复剂：新鲜多彩的寿司卷。",
	"pizza_ad":           "Sunday arvo? Pizza and cold ones. The Aussie way. / 周日午后，披萨配啤酒，澳式惬意。",
	"bbq_ad":             "Sunny weekend? Fire up the barbie! / 晴朗周末，后院 BBQ 走起！",
	"asian_soup_ad":      "Chilly and wet? Warm up with laksa, pho, or ramen. / 湿冷天，来碗叻沙或拉面暖暖胃。",
	"green_bean_soup_ad": "天气这么热，来碗绿豆沙下下火吧！",
	"herbal_tea_ad":      "湿气重？喝凉茶还是吃龟苓膏？",
	"congee_ad":          "下雨天最适合喝砂锅粥，暖暖的超舒服。",
	"crayfish_ad":        "黄梅天闷热没胃口？小龙虾配啤酒，开胃！",
	"dumplings_ad":       "冬至不端饺子碗，冻掉耳朵没人管！",
	"tangyuan_ad":        "冬至大如年，南方吃汤圆，团团圆圆。",
	"bubble_tea_ad":      "周五了！奶茶炸鸡走起！",
	"cold_noodles_ad":    "大热天吃冷面，透心凉！",
	"lamb_hotpot_ad":     "下雪了！铜锅涮肉最治愈。",
	"iron_pot_stew_ad":   "下雪天，铁锅炖大鹅、排骨，暖到心窝。",
	"hairy_crab_ad":      "秋风起，蟹脚痒。今晚大闸蟹安排上？",
	"vietnamese_ad":      "Bit muggy? Cool down with a zesty Vietnamese Chicken Salad. / 外面有点闷？来份越南鸡肉沙拉清爽一下。",
	"burger_ad":          "Classic Schnitty weather. Perfect for the beer garden. / 经典炸鸡排天气，啤酒花园走起。",
	"sunscreen_ad":       "Sun's out? Don't forget the SPF. / 晴天外出，记得防晒。",
	"xigua_ad":           "Hot day? Chill with watermelon and cold drinks. / 天热来块冰西瓜，清凉解暑。",
	"fish_chips_ad":      "Classic Aussie fish and chips. Can't go wrong. / 经典炸鱼薯条，澳式风味。",
}

// TargetLabel returns the display label for a target, or the target id
// itself when none is known.
func TargetLabel(targetID string) string {
	if label, ok := targetLabels[targetID]; ok {
		return label
	}
	return targetID
}

// DefaultPushMessage returns the built-in promotional copy for a target, or
// an empty string.
func DefaultPushMessage(targetID string) string {
	return defaultPushMessages[targetID]
}
